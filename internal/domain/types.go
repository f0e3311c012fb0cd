package domain

import (
	"encoding/json"
	"regexp"
)

// instanceIDPattern is the only id shape the gateway will serve.
var instanceIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,50}$`)

// ValidInstanceID reports whether id is a well-formed instance id.
func ValidInstanceID(id string) bool {
	return instanceIDPattern.MatchString(id)
}

// InstanceConfig is one tenant's binding of an upstream agent plus policy.
// The gateway treats it as immutable; only the admin tooling writes it.
type InstanceConfig struct {
	ID              string          `json:"instanceId" validate:"required,instance_id"`
	UpstreamAgentID string          `json:"upstreamAgentId" validate:"required"`
	APIKey          string          `json:"apiKey,omitempty"`
	AllowedDomains  []string        `json:"allowedDomains"`
	AllowedPaths    []string        `json:"allowedPaths,omitempty"`
	RateLimit       RateLimit       `json:"rateLimit"`
	Features        Features        `json:"features"`
	Theme           json.RawMessage `json:"theme,omitempty"`
}

// RateLimit holds the per-instance sliding-window budgets.
type RateLimit struct {
	PerHour    int `json:"perHour"`
	PerSession int `json:"perSession"`
}

// Features are widget hints carried through verbatim; the gateway
// consumes none of them.
type Features struct {
	Markdown       bool `json:"markdown"`
	ImageUpload    bool `json:"imageUpload"`
	PersistSession bool `json:"persistSession"`
}

const (
	// DefaultPerHour is the per-IP hourly budget when unset.
	DefaultPerHour = 100
	// DefaultPerSession is the per-session 10-minute budget when unset.
	DefaultPerSession = 20
)

// Normalize fills in rate-limit defaults for absent or invalid budgets.
func (c *InstanceConfig) Normalize() {
	if c.RateLimit.PerHour <= 0 {
		c.RateLimit.PerHour = DefaultPerHour
	}
	if c.RateLimit.PerSession <= 0 {
		c.RateLimit.PerSession = DefaultPerSession
	}
}

// PublicInstanceConfig is the widget-visible slice of an instance. It
// never carries the API key, the allowlists, or the budgets.
type PublicInstanceConfig struct {
	InstanceID string          `json:"instanceId"`
	Features   Features        `json:"features"`
	Theme      json.RawMessage `json:"theme,omitempty"`
}

// Public returns the widget-visible view of the instance.
func (c *InstanceConfig) Public() PublicInstanceConfig {
	return PublicInstanceConfig{
		InstanceID: c.ID,
		Features:   c.Features,
		Theme:      c.Theme,
	}
}

// ChatMessage is a single turn of the inbound conversation. Content is
// kept raw so the gateway forwards it byte-for-byte.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatRequest is the inbound body of POST /chat.
type ChatRequest struct {
	InstanceID string        `json:"instanceId" validate:"required"`
	Messages   []ChatMessage `json:"messages" validate:"required,min=1"`
	SessionID  string        `json:"sessionId,omitempty"`
}

// CounterRecord is the stored value of one sliding-window key.
// Timestamps are epoch milliseconds; every entry lies within the window
// of its axis once pruned on read.
type CounterRecord struct {
	Messages []int64 `json:"messages"`
}

// DailyAnalytics is the per-instance daily tally. Domains is clamped to
// a bounded number of distinct hostnames; the session fields are a
// best-effort approximation of distinct sessions.
type DailyAnalytics struct {
	Messages          int            `json:"messages"`
	Domains           map[string]int `json:"domains"`
	ApproxTokens      int            `json:"approxTokens"`
	UniqueSessions    int            `json:"uniqueSessions"`
	SampledSessionIDs []string       `json:"sampledSessionIds,omitempty"`
}

// HourlyAnalytics is the per-instance hourly message count.
type HourlyAnalytics struct {
	Messages int `json:"messages"`
}
