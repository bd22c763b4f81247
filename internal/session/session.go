// Package session manages timed conversation sessions wrapping DM channels,
// with activity-based renewal, expiry warnings and a periodic sweep.
package session

import "time"

// TimeoutConfig controls a session's expiry behavior. Values are minutes.
type TimeoutConfig struct {
	TimeoutMinutes          int  `json:"timeoutMinutes"`
	AutoRenew               bool `json:"autoRenew"`
	MaxDurationMinutes      int  `json:"maxDurationMinutes"`
	WarningThresholdMinutes int  `json:"warningThresholdMinutes"`
}

// TimeoutOverride is a partial TimeoutConfig from a request or per-agent
// settings. Nil fields inherit from the next layer down.
type TimeoutOverride struct {
	TimeoutMinutes          *int  `json:"timeoutMinutes"`
	AutoRenew               *bool `json:"autoRenew"`
	MaxDurationMinutes      *int  `json:"maxDurationMinutes"`
	WarningThresholdMinutes *int  `json:"warningThresholdMinutes"`
}

// WarningState records whether the expiry warning has been issued.
type WarningState struct {
	Sent   bool      `json:"sent"`
	SentAt time.Time `json:"sentAt,omitempty"`
}

// Session is the in-memory record of one timed conversation.
type Session struct {
	ID            string         `json:"sessionId"`
	AgentID       string         `json:"agentId"`
	UserID        string         `json:"userId"`
	ChannelID     string         `json:"channelId"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastActivity  time.Time      `json:"lastActivity"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	RenewalCount  int            `json:"renewalCount"`
	TimeoutConfig TimeoutConfig  `json:"timeoutConfig"`
	Warning       WarningState   `json:"warningState"`
}

// computeExpiresAt applies the timeout arithmetic: renewal extends from the
// last activity when auto-renew is on, from creation otherwise, and never
// beyond the absolute duration ceiling.
func (s *Session) computeExpiresAt() time.Time {
	base := s.CreatedAt
	if s.TimeoutConfig.AutoRenew {
		base = s.LastActivity
	}
	candidate := base.Add(time.Duration(s.TimeoutConfig.TimeoutMinutes) * time.Minute)
	maxBoundary := s.CreatedAt.Add(time.Duration(s.TimeoutConfig.MaxDurationMinutes) * time.Minute)
	if candidate.After(maxBoundary) {
		return maxBoundary
	}
	return candidate
}

func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

func (s *Session) nearExpiration(now time.Time) bool {
	threshold := time.Duration(s.TimeoutConfig.WarningThresholdMinutes) * time.Minute
	return s.ExpiresAt.Sub(now) <= threshold
}

// View is the derived read model returned to clients.
type View struct {
	SessionID        string         `json:"sessionId"`
	AgentID          string         `json:"agentId"`
	UserID           string         `json:"userId"`
	ChannelID        string         `json:"channelId"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastActivity     time.Time      `json:"lastActivity"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	TimeRemainingMs  int64          `json:"timeRemaining"`
	IsNearExpiration bool           `json:"isNearExpiration"`
	RenewalCount     int            `json:"renewalCount"`
	TimeoutConfig    TimeoutConfig  `json:"timeoutConfig"`
}

// Status summarizes a session after a message send, merged into the
// transport response envelope.
type Status struct {
	ExpiresAt        time.Time `json:"expiresAt"`
	RenewalCount     int       `json:"renewalCount"`
	WasRenewed       bool      `json:"wasRenewed"`
	IsNearExpiration bool      `json:"isNearExpiration"`
}

// Health is the sessions subsystem health report.
type Health struct {
	Status          string    `json:"status"`
	ActiveSessions  int       `json:"activeSessions"`
	ExpiringSoon    int       `json:"expiringSoon"`
	InvalidSessions int       `json:"invalidSessions"`
	Timestamp       time.Time `json:"timestamp"`
	UptimeMs        int64     `json:"uptime"`
}
