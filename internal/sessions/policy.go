package sessions

import "time"

// Policy bounds the sandbox session pool. Durations are expressed in seconds
// to match the configuration file; zero or negative numeric fields fall back
// to the defaults.
type Policy struct {
	IdleTimeoutSeconds        int  `yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	DisconnectTimeoutSeconds  int  `yaml:"disconnect_timeout_seconds" json:"disconnect_timeout_seconds"`
	CompletionRetainSeconds   int  `yaml:"completion_retain_seconds" json:"completion_retain_seconds"`
	MaxSessionDurationSeconds int  `yaml:"max_session_duration_seconds" json:"max_session_duration_seconds"`
	MaxSessionsPerUser        int  `yaml:"max_sessions_per_user" json:"max_sessions_per_user"`
	MaxTotalSessions          int  `yaml:"max_total_sessions" json:"max_total_sessions"`
	AllowSessionReuse         bool `yaml:"allow_session_reuse" json:"allow_session_reuse"`
}

// DefaultPolicy returns the stock pool limits: two hour idle timeout, half
// hour disconnect grace, one hour retention after completion, eight hour hard
// cap, five sessions per user, two hundred total, reuse enabled.
func DefaultPolicy() Policy {
	return Policy{
		IdleTimeoutSeconds:        7200,
		DisconnectTimeoutSeconds:  1800,
		CompletionRetainSeconds:   3600,
		MaxSessionDurationSeconds: 28800,
		MaxSessionsPerUser:        5,
		MaxTotalSessions:          200,
		AllowSessionReuse:         true,
	}
}

// normalized fills zero numeric fields from DefaultPolicy. AllowSessionReuse
// is taken as given; config loading starts from DefaultPolicy so an absent
// key keeps reuse on.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.IdleTimeoutSeconds <= 0 {
		p.IdleTimeoutSeconds = d.IdleTimeoutSeconds
	}
	if p.DisconnectTimeoutSeconds <= 0 {
		p.DisconnectTimeoutSeconds = d.DisconnectTimeoutSeconds
	}
	if p.CompletionRetainSeconds <= 0 {
		p.CompletionRetainSeconds = d.CompletionRetainSeconds
	}
	if p.MaxSessionDurationSeconds <= 0 {
		p.MaxSessionDurationSeconds = d.MaxSessionDurationSeconds
	}
	if p.MaxSessionsPerUser <= 0 {
		p.MaxSessionsPerUser = d.MaxSessionsPerUser
	}
	if p.MaxTotalSessions <= 0 {
		p.MaxTotalSessions = d.MaxTotalSessions
	}
	return p
}

func (p Policy) idleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

func (p Policy) disconnectTimeout() time.Duration {
	return time.Duration(p.DisconnectTimeoutSeconds) * time.Second
}

func (p Policy) completionRetain() time.Duration {
	return time.Duration(p.CompletionRetainSeconds) * time.Second
}

func (p Policy) maxSessionDuration() time.Duration {
	return time.Duration(p.MaxSessionDurationSeconds) * time.Second
}
