package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/embedchat/agent-gateway/internal/analytics"
	"github.com/embedchat/agent-gateway/internal/config"
	"github.com/embedchat/agent-gateway/internal/domain"
	"github.com/embedchat/agent-gateway/internal/instance"
	"github.com/embedchat/agent-gateway/internal/kv"
	"github.com/embedchat/agent-gateway/internal/kv/memory"
	"github.com/embedchat/agent-gateway/internal/ratelimit"
	"github.com/embedchat/agent-gateway/internal/upstream"
)

type envOptions struct {
	upstream      http.HandlerFunc // nil means a canned JSON reply
	mutateConfig  func(*config.Config)
	store         kv.Store // nil means a fresh memory store
	recorderStore kv.Store // nil means the main store
}

type env struct {
	cfg      *config.Config
	store    kv.Store
	recorder *analytics.Recorder
	srv      *Server
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()

	handler := opts.upstream
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"reply":"hello"}`)
		}
	}
	upstreamSrv := httptest.NewServer(handler)
	t.Cleanup(upstreamSrv.Close)

	cfg := &config.Config{}
	cfg.Server.RequestTimeout = 5 * time.Second
	cfg.Store.Backend = "memory"
	cfg.Analytics = config.AnalyticsConfig{Enabled: true, MaxDomains: 16, SessionSamples: 8}
	cfg.Telemetry.ServiceName = "agent-gateway-test"
	if opts.mutateConfig != nil {
		opts.mutateConfig(cfg)
	}

	store := opts.store
	if store == nil {
		mem := memory.New()
		t.Cleanup(func() { mem.Close() })
		store = mem
	}
	recorderStore := opts.recorderStore
	if recorderStore == nil {
		recorderStore = store
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	instances := instance.NewStore(store, logger, 0)
	limiter := ratelimit.New(store, logger)
	client := upstream.NewClient("default-key", logger, upstream.WithBaseURL(upstreamSrv.URL))
	recorder := analytics.NewRecorder(recorderStore, logger, analytics.Options{
		MaxDomains:     cfg.Analytics.MaxDomains,
		SessionSamples: cfg.Analytics.SessionSamples,
	})
	t.Cleanup(recorder.Close)

	srv := New(cfg, logger, store, instances, limiter, client, recorder)
	return &env{cfg: cfg, store: store, recorder: recorder, srv: srv}
}

func defaultInstance() *domain.InstanceConfig {
	return &domain.InstanceConfig{
		ID:              "seo-assistant",
		UpstreamAgentID: "agent-99",
		APIKey:          "inst-key",
		AllowedDomains:  []string{"example.com"},
		RateLimit:       domain.RateLimit{PerHour: 100, PerSession: 20},
	}
}

func (e *env) seed(t *testing.T, cfg *domain.InstanceConfig) {
	t.Helper()
	if err := e.srv.instances.Save(context.Background(), cfg); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Router.ServeHTTP(rec, req)
	return rec
}

func (e *env) chat(body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return e.do(req)
}

func chatBody(instanceID, sessionID string) string {
	b := fmt.Sprintf(`{"instanceId":%q,"messages":[{"role":"user","content":"hi"}]`, instanceID)
	if sessionID != "" {
		b += fmt.Sprintf(`,"sessionId":%q`, sessionID)
	}
	return b + "}"
}

func embedHeaders(ip string) map[string]string {
	return map[string]string{
		"Origin":           "https://example.com",
		"CF-Connecting-IP": ip,
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("response %q is not JSON: %v", rec.Body.String(), err)
	}
	return m
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, status, rec.Body.String())
	}
	if got := decodeBody(t, rec)["error"]; got != message {
		t.Errorf("error = %q, want %q", got, message)
	}
}

func counterStamps(t *testing.T, store kv.Store, key string) []int64 {
	t.Helper()
	raw, err := store.Get(context.Background(), key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("read counter %s: %v", key, err)
	}
	var rec domain.CounterRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("counter %s is not valid JSON: %v", key, err)
	}
	return rec.Messages
}

func TestChatHappyPath(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.seed(t, defaultInstance())

	rec := e.chat(chatBody("seo-assistant", "sess-1"), embedHeaders("1.2.3.4"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"reply":"hello"}` {
		t.Errorf("body = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID header")
	}

	ipStamps := counterStamps(t, e.store, ratelimit.Key(ratelimit.AxisIP, "seo-assistant", "1.2.3.4"))
	if len(ipStamps) != 1 {
		t.Errorf("ip counter stamps = %v, want one", ipStamps)
	}
	sessStamps := counterStamps(t, e.store, ratelimit.Key(ratelimit.AxisSession, "seo-assistant", "sess-1"))
	if len(sessStamps) != 1 {
		t.Errorf("session counter stamps = %v, want one", sessStamps)
	}
}

func TestChatForwardsOnlyMessages(t *testing.T) {
	var gotPath, gotKey, gotBody string
	e := newEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotKey = r.Header.Get("X-API-KEY")
			b, _ := io.ReadAll(r.Body)
			gotBody = string(b)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"reply":"ok"}`)
		},
	})
	e.seed(t, defaultInstance())

	rec := e.chat(chatBody("seo-assistant", "sess-1"), embedHeaders("1.2.3.4"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}

	if gotPath != "/api/v2/agents/agent-99/chat" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotKey != "inst-key" {
		t.Errorf("X-API-KEY = %q, want the instance credential", gotKey)
	}
	want := `{"messages":[{"role":"user","content":"hi"}]}`
	if gotBody != want {
		t.Errorf("upstream body = %q, want %q", gotBody, want)
	}
}

func TestChatUnknownInstance(t *testing.T) {
	e := newEnv(t, envOptions{})

	rec := e.chat(chatBody("ghost", ""), embedHeaders("1.2.3.4"))
	assertError(t, rec, http.StatusNotFound, "Agent not found")

	keys, err := e.store.Keys(context.Background(), "ratelimit:")
	if err != nil {
		t.Fatalf("scan counters: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("unknown instance consumed budget: %v", keys)
	}
}

func TestChatRejectsMalformedRequests(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.seed(t, defaultInstance())

	tests := []struct {
		name        string
		body        string
		contentType string
		wantMessage string
	}{
		{"not json", "{nope", "application/json", "Invalid JSON in request body"},
		{"wrong content type", chatBody("seo-assistant", ""), "text/plain", "Invalid JSON in request body"},
		{"missing instance id", `{"messages":[{"role":"user","content":"hi"}]}`, "application/json", "Missing required fields"},
		{"empty messages", `{"instanceId":"seo-assistant","messages":[]}`, "application/json", "Missing required fields"},
		{"null body", "null", "application/json", "Missing required fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.chat(tt.body, map[string]string{
				"Content-Type":     tt.contentType,
				"Origin":           "https://example.com",
				"CF-Connecting-IP": "1.2.3.4",
			})
			assertError(t, rec, http.StatusBadRequest, tt.wantMessage)
		})
	}
}

func TestChatOriginDenied(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.seed(t, defaultInstance())

	rec := e.chat(chatBody("seo-assistant", ""), map[string]string{
		"Origin":           "https://evil.com",
		"CF-Connecting-IP": "1.2.3.4",
	})
	assertError(t, rec, http.StatusForbidden, "Domain not authorized")

	// CORS headers ride along even on denials so the browser can read
	// the error body.
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://evil.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	keys, err := e.store.Keys(context.Background(), "ratelimit:")
	if err != nil {
		t.Fatalf("scan counters: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("denied origin consumed budget: %v", keys)
	}
}

func TestChatWildcardOrigins(t *testing.T) {
	e := newEnv(t, envOptions{})
	inst := defaultInstance()
	inst.AllowedDomains = []string{"*.test.com", "localhost"}
	e.seed(t, inst)

	tests := []struct {
		origin string
		want   int
	}{
		{"https://app.test.com", http.StatusOK},
		{"https://deep.app.test.com", http.StatusOK},
		{"https://test.com", http.StatusOK},
		{"http://localhost:3000", http.StatusOK},
		{"https://othertest.com", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			rec := e.chat(chatBody("seo-assistant", ""), map[string]string{
				"Origin":           tt.origin,
				"CF-Connecting-IP": "1.2.3.4",
			})
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestChatIPBudgetExhaustion(t *testing.T) {
	e := newEnv(t, envOptions{})
	inst := defaultInstance()
	inst.RateLimit = domain.RateLimit{PerHour: 2, PerSession: 20}
	e.seed(t, inst)

	for i := 0; i < 2; i++ {
		if rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("1.2.3.4")); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body %q", i+1, rec.Code, rec.Body.String())
		}
	}

	rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("1.2.3.4"))
	assertError(t, rec, http.StatusTooManyRequests, "IP rate limit exceeded")

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want a positive integer", rec.Header().Get("Retry-After"))
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", got)
	}
	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil || reset <= 0 {
		t.Errorf("X-RateLimit-Reset = %q, want a unix timestamp", rec.Header().Get("X-RateLimit-Reset"))
	}

	// The denial must not extend the window.
	stamps := counterStamps(t, e.store, ratelimit.Key(ratelimit.AxisIP, "seo-assistant", "1.2.3.4"))
	if len(stamps) != 2 {
		t.Errorf("counter stamps = %v, want the two admitted requests only", stamps)
	}

	// Another caller is unaffected.
	if rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("5.6.7.8")); rec.Code != http.StatusOK {
		t.Errorf("other ip: status = %d, body %q", rec.Code, rec.Body.String())
	}
}

func TestChatWindowSlidesForward(t *testing.T) {
	e := newEnv(t, envOptions{})
	inst := defaultInstance()
	inst.RateLimit = domain.RateLimit{PerHour: 2, PerSession: 20}
	e.seed(t, inst)

	// A full window's worth of traffic, 61 minutes old.
	old := time.Now().Add(-61 * time.Minute).UnixMilli()
	raw, _ := json.Marshal(domain.CounterRecord{Messages: []int64{old, old + 1000}})
	key := ratelimit.Key(ratelimit.AxisIP, "seo-assistant", "9.9.9.9")
	if err := e.store.Set(context.Background(), key, raw, time.Hour); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("9.9.9.9"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}

	stamps := counterStamps(t, e.store, key)
	if len(stamps) != 1 {
		t.Fatalf("counter stamps = %v, want the expired entries pruned", stamps)
	}
	if stamps[0] <= old+1000 {
		t.Errorf("stored stamp %d is not fresh", stamps[0])
	}
}

func TestChatSessionBudget(t *testing.T) {
	e := newEnv(t, envOptions{})
	inst := defaultInstance()
	inst.RateLimit = domain.RateLimit{PerHour: 100, PerSession: 1}
	e.seed(t, inst)

	if rec := e.chat(chatBody("seo-assistant", "sess-9"), embedHeaders("1.2.3.4")); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, body %q", rec.Code, rec.Body.String())
	}

	rec := e.chat(chatBody("seo-assistant", "sess-9"), embedHeaders("1.2.3.4"))
	assertError(t, rec, http.StatusTooManyRequests, "Session rate limit exceeded")

	// Without a session id only the IP axis applies.
	if rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("1.2.3.4")); rec.Code != http.StatusOK {
		t.Errorf("sessionless request: status = %d, body %q", rec.Code, rec.Body.String())
	}

	// An 11 minute old session window has expired.
	old := time.Now().Add(-11 * time.Minute).UnixMilli()
	raw, _ := json.Marshal(domain.CounterRecord{Messages: []int64{old}})
	key := ratelimit.Key(ratelimit.AxisSession, "seo-assistant", "sess-10")
	if err := e.store.Set(context.Background(), key, raw, 10*time.Minute); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	if rec := e.chat(chatBody("seo-assistant", "sess-10"), embedHeaders("2.2.2.2")); rec.Code != http.StatusOK {
		t.Errorf("expired session window: status = %d, body %q", rec.Code, rec.Body.String())
	}
}

func TestChatStreamsSSEUnchanged(t *testing.T) {
	e := newEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
			flusher := w.(http.Flusher)
			fmt.Fprint(w, "data: one\n\n")
			flusher.Flush()
			fmt.Fprint(w, "data: two\n\n")
			flusher.Flush()
		},
	})
	e.seed(t, defaultInstance())

	rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("1.2.3.4"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("Connection"); got != "keep-alive" {
		t.Errorf("Connection = %q", got)
	}
	if got := rec.Body.String(); got != "data: one\n\ndata: two\n\n" {
		t.Errorf("body = %q", got)
	}
	if !rec.Flushed {
		t.Error("stream was never flushed")
	}
}

func TestChatUpstreamError(t *testing.T) {
	e := newEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "provider exploded", http.StatusBadGateway)
		},
	})
	e.seed(t, defaultInstance())

	rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("1.2.3.4"))
	assertError(t, rec, http.StatusInternalServerError, "Failed to get response from AI")
	if strings.Contains(rec.Body.String(), "provider exploded") {
		t.Error("upstream body leaked to the client")
	}
}

func TestChatUpstreamTimeout(t *testing.T) {
	e := newEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
		},
		mutateConfig: func(cfg *config.Config) {
			cfg.Server.RequestTimeout = 50 * time.Millisecond
		},
	})
	e.seed(t, defaultInstance())

	rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("1.2.3.4"))
	assertError(t, rec, http.StatusGatewayTimeout, "Upstream timeout")
}

func TestChatRelaysUpstreamSuccessStatus(t *testing.T) {
	e := newEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"queued":true}`)
		},
	})
	e.seed(t, defaultInstance())

	rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("1.2.3.4"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if got := rec.Body.String(); got != `{"queued":true}` {
		t.Errorf("body = %q", got)
	}
}

func TestChatUpstreamBadJSON(t *testing.T) {
	e := newEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, "not json at all")
		},
	})
	e.seed(t, defaultInstance())

	rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("1.2.3.4"))
	assertError(t, rec, http.StatusInternalServerError, "Internal server error")
}

func TestChatSameOriginBypass(t *testing.T) {
	e := newEnv(t, envOptions{
		mutateConfig: func(cfg *config.Config) {
			cfg.Server.PublicHost = "gateway.example.com"
		},
	})
	e.seed(t, defaultInstance())

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(chatBody("seo-assistant", "")))
	req.Header.Set("Content-Type", "application/json")
	req.Host = "gateway.example.com"
	if rec := e.do(req); rec.Code != http.StatusOK {
		t.Errorf("same-origin request: status = %d, body %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(chatBody("seo-assistant", "")))
	req.Header.Set("Content-Type", "application/json")
	req.Host = "elsewhere.example.com"
	if rec := e.do(req); rec.Code != http.StatusForbidden {
		t.Errorf("foreign host without origin: status = %d, want 403", rec.Code)
	}
}

func TestPreflight(t *testing.T) {
	e := newEnv(t, envOptions{})

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := e.do(req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Accept, Origin" {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
}

func TestWidgetConfig(t *testing.T) {
	e := newEnv(t, envOptions{})
	inst := defaultInstance()
	inst.Features = domain.Features{Markdown: true}
	inst.Theme = json.RawMessage(`{"primaryColor":"#0f62fe"}`)
	e.seed(t, inst)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/instances/seo-assistant/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["instanceId"] != "seo-assistant" {
		t.Errorf("instanceId = %v", body["instanceId"])
	}
	features, _ := body["features"].(map[string]any)
	if features["markdown"] != true {
		t.Errorf("features = %v", body["features"])
	}
	theme, _ := body["theme"].(map[string]any)
	if theme["primaryColor"] != "#0f62fe" {
		t.Errorf("theme = %v", body["theme"])
	}

	raw := rec.Body.String()
	for _, secret := range []string{"inst-key", "agent-99", "allowedDomains", "rateLimit"} {
		if strings.Contains(raw, secret) {
			t.Errorf("widget config leaks %q: %s", secret, raw)
		}
	}

	rec = e.do(httptest.NewRequest(http.MethodGet, "/instances/ghost/config", nil))
	assertError(t, rec, http.StatusNotFound, "Agent not found")
}

func TestHealth(t *testing.T) {
	e := newEnv(t, envOptions{})

	rec := e.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["store"] != "memory" {
		t.Errorf("body = %v", body)
	}
}

func TestHealthDegraded(t *testing.T) {
	mem := memory.New()
	t.Cleanup(func() { mem.Close() })
	e := newEnv(t, envOptions{store: pingFailStore{mem}})

	rec := e.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "degraded" {
		t.Errorf("body = %v", body)
	}
}

func TestAnalyticsAPI(t *testing.T) {
	e := newEnv(t, envOptions{
		mutateConfig: func(cfg *config.Config) {
			cfg.Auth.ServiceToken = "secret-token"
		},
	})
	e.seed(t, defaultInstance())

	// Drain after each chat so the detached writes cannot race each
	// other on the shared daily record.
	for i := 0; i < 2; i++ {
		if rec := e.chat(chatBody("seo-assistant", "sess-1"), embedHeaders("1.2.3.4")); rec.Code != http.StatusOK {
			t.Fatalf("chat %d: status = %d, body %q", i+1, rec.Code, rec.Body.String())
		}
		e.recorder.Close()
	}

	req := httptest.NewRequest(http.MethodGet, "/analytics/seo-assistant", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := e.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}

	var sum struct {
		InstanceID string                `json:"instanceId"`
		Date       string                `json:"date"`
		Daily      domain.DailyAnalytics `json:"daily"`
		Hourly     []analytics.HourCount `json:"hourly"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.InstanceID != "seo-assistant" {
		t.Errorf("instanceId = %q", sum.InstanceID)
	}
	if sum.Daily.Messages != 2 {
		t.Errorf("daily messages = %d, want 2", sum.Daily.Messages)
	}
	if sum.Daily.Domains["example.com"] != 2 {
		t.Errorf("domains = %v", sum.Daily.Domains)
	}
	if sum.Daily.UniqueSessions != 1 {
		t.Errorf("unique sessions = %d, want 1", sum.Daily.UniqueSessions)
	}
	if len(sum.Hourly) != 24 {
		t.Fatalf("hourly entries = %d, want 24", len(sum.Hourly))
	}
	total := 0
	for _, h := range sum.Hourly {
		total += h.Messages
	}
	if total != 2 {
		t.Errorf("hourly total = %d, want 2", total)
	}
}

func TestAnalyticsAPIRejectsBadCallers(t *testing.T) {
	e := newEnv(t, envOptions{
		mutateConfig: func(cfg *config.Config) {
			cfg.Auth.ServiceToken = "secret-token"
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/analytics/seo-assistant", nil)
	rec := e.do(req)
	assertError(t, rec, http.StatusUnauthorized, "Unauthorized")

	req = httptest.NewRequest(http.MethodGet, "/analytics/seo-assistant", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = e.do(req)
	assertError(t, rec, http.StatusUnauthorized, "Unauthorized")

	req = httptest.NewRequest(http.MethodGet, "/analytics/seo-assistant?date=not-a-date", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = e.do(req)
	assertError(t, rec, http.StatusBadRequest, "Invalid date format")
}

func TestAnalyticsAPIUnmountedWithoutToken(t *testing.T) {
	e := newEnv(t, envOptions{})

	rec := e.do(httptest.NewRequest(http.MethodGet, "/analytics/seo-assistant", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no service token is configured", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.seed(t, defaultInstance())

	if rec := e.chat(chatBody("seo-assistant", ""), embedHeaders("1.2.3.4")); rec.Code != http.StatusOK {
		t.Fatalf("chat: status = %d", rec.Code)
	}

	rec := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"gateway_requests_total", "gateway_upstream_requests_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}

func TestChatAnalyticsFailureIsInvisible(t *testing.T) {
	e := newEnv(t, envOptions{recorderStore: failingStore{}})
	e.seed(t, defaultInstance())

	rec := e.chat(chatBody("seo-assistant", "sess-1"), embedHeaders("1.2.3.4"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	e.recorder.Close()
}

type pingFailStore struct {
	kv.Store
}

func (pingFailStore) Ping(ctx context.Context) error { return errors.New("store unreachable") }

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("kv down")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("kv down")
}

func (failingStore) Delete(context.Context, string) error { return errors.New("kv down") }

func (failingStore) Keys(context.Context, string) ([]string, error) {
	return nil, errors.New("kv down")
}

func (failingStore) Ping(context.Context) error { return errors.New("kv down") }

func (failingStore) Close() error { return nil }
