package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/embedchat/agent-gateway/internal/ratelimit"
)

// writeRateLimitHeaders advertises the exhausted budget on a denial.
// Remaining is always zero here because the gateway only emits these
// headers on 429; admitted requests carry none.
func writeRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	retryAfter := (res.RetryAfter + time.Second - 1) / time.Second

	h := w.Header()
	h.Set("Retry-After", strconv.FormatInt(int64(retryAfter), 10))
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}
