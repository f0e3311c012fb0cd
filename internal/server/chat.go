package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/embedchat/agent-gateway/internal/domain"
	"github.com/embedchat/agent-gateway/internal/ratelimit"
	"github.com/embedchat/agent-gateway/internal/telemetry"
	"github.com/embedchat/agent-gateway/internal/upstream"
)

// handleChat runs the admission pipeline and relays the upstream reply.
// The order is load-bearing: unknown instances and unauthorized origins
// must not consume rate-limit budget, and only admitted requests reach
// analytics.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, apiErr := decodeChatRequest(r)
	if apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	AddLogField(ctx, "instance_id", req.InstanceID)

	inst, err := s.instances.Lookup(ctx, req.InstanceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !s.authorizer.Authorize(r, inst) {
		writeError(w, r, domain.ErrDomainNotAuthorized())
		return
	}

	res := s.limiter.Check(ctx, inst, r.Header.Get(ratelimit.IPHeader), req.SessionID)
	if !res.Allowed {
		telemetry.RateLimitDeniedTotal.WithLabelValues(res.Axis).Inc()
		writeRateLimitHeaders(w, res)
		writeError(w, r, res.Err())
		return
	}

	if s.cfg.Analytics.Enabled && s.recorder != nil {
		s.recorder.Record(ctx, inst.ID, requestOriginHost(r), req.SessionID, req.Messages)
	}

	s.relay(w, r, inst, req)
}

// decodeChatRequest parses and validates the inbound body. The request
// must declare application/json; anything else reads as malformed.
func decodeChatRequest(r *http.Request) (*domain.ChatRequest, *domain.APIError) {
	if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return nil, domain.ErrInvalidJSON()
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, domain.ErrInvalidJSON().WithCause(err)
	}
	if apiErr := req.Validate(); apiErr != nil {
		return nil, apiErr
	}
	return &req, nil
}

// relay forwards the transcript upstream and writes the reply back,
// streaming or buffered depending on what the upstream returned.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, inst *domain.InstanceConfig, req *domain.ChatRequest) {
	start := time.Now()
	reply, err := s.upstream.Chat(r.Context(), inst.UpstreamAgentID, inst.APIKey, req.Messages)
	telemetry.UpstreamDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The client went away; there is no one left to answer.
			telemetry.UpstreamRequestsTotal.WithLabelValues("canceled").Inc()
			AddError(r.Context(), err)
			return
		}
		outcome := "error"
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) {
			outcome = string(apiErr.Kind)
		}
		telemetry.UpstreamRequestsTotal.WithLabelValues(outcome).Inc()
		writeError(w, r, err)
		return
	}
	defer reply.Body.Close()
	telemetry.UpstreamRequestsTotal.WithLabelValues("success").Inc()

	if reply.IsStream() {
		s.relayStream(w, r, reply)
		return
	}
	s.relayJSON(w, r, reply)
}

// relayJSON buffers the upstream body, checks it is well-formed JSON,
// and re-serves it with the upstream's status.
func (s *Server) relayJSON(w http.ResponseWriter, r *http.Request, reply *upstream.Reply) {
	body, err := io.ReadAll(reply.Body)
	if err != nil {
		writeError(w, r, domain.ErrInternal(fmt.Errorf("read upstream response: %w", err)))
		return
	}

	var payload json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, r, domain.ErrInternal(fmt.Errorf("upstream response is not valid JSON: %w", err)))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.StatusCode)
	_, _ = w.Write(payload)
}

// relayStream copies the upstream event stream through unchanged,
// flushing each chunk so events reach the widget as they arrive. Once
// the status line is written nothing can be unsaid, so mid-stream
// failures end the response and are only logged.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, reply *upstream.Reply) {
	h := w.Header()
	h.Set("Content-Type", reply.Header.Get("Content-Type"))
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(reply.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := reply.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				AddError(r.Context(), werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			AddError(r.Context(), err)
			return
		}
	}
}

// requestOriginHost extracts the embedding page's hostname for
// analytics. Empty when the request carried no usable origin.
func requestOriginHost(r *http.Request) string {
	raw := r.Header.Get("Origin")
	if raw == "" {
		raw = r.Header.Get("Referer")
	}
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
