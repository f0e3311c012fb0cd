// Package analytics maintains best-effort usage counters in the shared
// store. Writes are fire-and-forget: they run after the response has
// been handed off and can never change a request's outcome.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/embedchat/agent-gateway/internal/domain"
	"github.com/embedchat/agent-gateway/internal/kv"
	"github.com/embedchat/agent-gateway/internal/telemetry"
)

const (
	dailyTTL  = 30 * 24 * time.Hour
	hourlyTTL = 7 * 24 * time.Hour

	// writeTimeout bounds a detached write so a wedged store cannot pin
	// goroutines past shutdown.
	writeTimeout = 5 * time.Second
)

func dailyKey(day, instanceID string) string {
	return "analytics:daily:" + day + ":" + instanceID
}

func hourlyKey(day, hour, instanceID string) string {
	return "analytics:hourly:" + day + ":" + hour + ":" + instanceID
}

// Options bound the cardinality of a daily record.
type Options struct {
	MaxDomains     int
	SessionSamples int
}

// Recorder tallies admitted chat requests per instance.
type Recorder struct {
	store  kv.Store
	logger *slog.Logger
	opts   Options
	now    func() time.Time
	wg     sync.WaitGroup
	est    estimator
}

func NewRecorder(store kv.Store, logger *slog.Logger, opts Options) *Recorder {
	if opts.MaxDomains <= 0 {
		opts.MaxDomains = 1024
	}
	if opts.SessionSamples <= 0 {
		opts.SessionSamples = 100
	}
	return &Recorder{
		store:  store,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// Record captures one admitted chat request and returns immediately.
// The write runs on a detached context so neither the client hanging up
// nor a store failure is visible to the caller.
func (r *Recorder) Record(ctx context.Context, instanceID, originHost, sessionID string, messages []domain.ChatMessage) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		r.record(ctx, instanceID, originHost, sessionID, messages)
	}()
}

// Close blocks until in-flight writes have drained.
func (r *Recorder) Close() {
	r.wg.Wait()
}

func (r *Recorder) record(ctx context.Context, instanceID, originHost, sessionID string, messages []domain.ChatMessage) {
	now := r.now().UTC()
	day := now.Format("2006-01-02")
	hour := now.Format("15")
	tokens := r.est.count(messages)

	if err := r.updateDaily(ctx, dailyKey(day, instanceID), originHost, sessionID, tokens); err != nil {
		telemetry.AnalyticsFailuresTotal.Inc()
		r.logger.Warn("daily analytics write failed",
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()))
	}

	if err := r.updateHourly(ctx, hourlyKey(day, hour, instanceID)); err != nil {
		telemetry.AnalyticsFailuresTotal.Inc()
		r.logger.Warn("hourly analytics write failed",
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()))
	}
}

func (r *Recorder) updateDaily(ctx context.Context, key, originHost, sessionID string, tokens int) error {
	var rec domain.DailyAnalytics
	raw, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &rec); err != nil {
			r.logger.Warn("daily analytics record is not valid JSON, resetting")
			rec = domain.DailyAnalytics{}
		}
	case err != kv.ErrNotFound:
		return err
	}

	rec.Messages++
	rec.ApproxTokens += tokens

	if originHost != "" {
		if rec.Domains == nil {
			rec.Domains = make(map[string]int)
		}
		// Known hostnames always count; new ones past the clamp are
		// dropped to bound the record.
		if _, ok := rec.Domains[originHost]; ok || len(rec.Domains) < r.opts.MaxDomains {
			rec.Domains[originHost]++
		}
	}

	if sessionID != "" && !slices.Contains(rec.SampledSessionIDs, sessionID) {
		rec.UniqueSessions++
		if len(rec.SampledSessionIDs) < r.opts.SessionSamples {
			rec.SampledSessionIDs = append(rec.SampledSessionIDs, sessionID)
		}
	}

	out, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, key, out, dailyTTL)
}

func (r *Recorder) updateHourly(ctx context.Context, key string) error {
	var rec domain.HourlyAnalytics
	raw, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &rec); err != nil {
			rec = domain.HourlyAnalytics{}
		}
	case err != kv.ErrNotFound:
		return err
	}

	rec.Messages++
	out, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, key, out, hourlyTTL)
}

// HourCount is one hour's message tally in a Summary.
type HourCount struct {
	Hour     string `json:"hour"`
	Messages int    `json:"messages"`
}

// Summary is the shape served by the analytics read API.
type Summary struct {
	InstanceID string                `json:"instanceId"`
	Date       string                `json:"date"`
	Daily      domain.DailyAnalytics `json:"daily"`
	Hourly     []HourCount           `json:"hourly"`
}

// Summarize loads a day's records for an instance. Absent records read
// as zero values; only transport failures error.
func (r *Recorder) Summarize(ctx context.Context, instanceID, date string) (*Summary, error) {
	s := &Summary{
		InstanceID: instanceID,
		Date:       date,
		Hourly:     make([]HourCount, 0, 24),
	}

	raw, err := r.store.Get(ctx, dailyKey(date, instanceID))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.Daily); err != nil {
			s.Daily = domain.DailyAnalytics{}
		}
	case err != kv.ErrNotFound:
		return nil, fmt.Errorf("read daily analytics: %w", err)
	}
	if s.Daily.Domains == nil {
		s.Daily.Domains = make(map[string]int)
	}

	for h := 0; h < 24; h++ {
		hour := fmt.Sprintf("%02d", h)
		hc := HourCount{Hour: hour}

		raw, err := r.store.Get(ctx, hourlyKey(date, hour, instanceID))
		switch {
		case err == nil:
			var rec domain.HourlyAnalytics
			if json.Unmarshal(raw, &rec) == nil {
				hc.Messages = rec.Messages
			}
		case err != kv.ErrNotFound:
			return nil, fmt.Errorf("read hourly analytics: %w", err)
		}

		s.Hourly = append(s.Hourly, hc)
	}

	return s, nil
}
