package consultctl

import "time"

type RequestJSON struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	RequesterID    string     `json:"requester_id"`
	ProviderID     string     `json:"provider_id"`
	Status         string     `json:"status"`
	PricePerMinute int64      `json:"price_per_minute"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
}

type RequestStatusJSON struct {
	Request          RequestJSON  `json:"request"`
	Status           string       `json:"status"`
	RemainingSeconds int          `json:"remaining_seconds"`
	Session          *SessionJSON `json:"session,omitempty"`
}

// Terminal reports whether the request can no longer change.
func (s RequestStatusJSON) Terminal() bool {
	return s.Status != "" && s.Status != "pending"
}

type SessionJSON struct {
	ID             string     `json:"id"`
	SourceID       string     `json:"source_id"`
	SourceType     string     `json:"source_type"`
	RequesterID    string     `json:"requester_id"`
	ProviderID     string     `json:"provider_id"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	PricePerMinute int64      `json:"price_per_minute"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	TotalCost      int64      `json:"total_cost"`
	Settled        bool       `json:"settled"`
	EndReason      string     `json:"end_reason,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	LiveCost       float64    `json:"live_cost"`
}

type AcceptResultJSON struct {
	Request RequestJSON `json:"request"`
	Session SessionJSON `json:"session"`
}

type EndResultJSON struct {
	SessionID        string  `json:"session_id"`
	DurationMs       int64   `json:"duration_ms"`
	DurationSeconds  float64 `json:"duration_seconds"`
	TotalCost        int64   `json:"total_cost"`
	AlreadyProcessed bool    `json:"already_processed"`
}

type QueueEntryJSON struct {
	ID             string     `json:"id"`
	ProviderID     string     `json:"provider_id"`
	RequesterID    string     `json:"requester_id"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	PricePerMinute int64      `json:"price_per_minute"`
	JoinedAt       time.Time  `json:"joined_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Position       int        `json:"position"`
	SessionID      string     `json:"session_id,omitempty"`
}

// Live reports whether the entry is still waiting for the provider.
func (e QueueEntryJSON) Live() bool {
	return e.Status == "waiting" || e.Status == "notified"
}

type QueueStatusJSON struct {
	Entry                QueueEntryJSON `json:"entry"`
	Position             int            `json:"position"`
	EstimatedWaitMinutes int            `json:"estimated_wait_minutes"`
	RemainingSeconds     int            `json:"remaining_seconds"`
}

type ConnectResultJSON struct {
	Entry   QueueEntryJSON `json:"entry"`
	Session SessionJSON    `json:"session"`
}

type RatesJSON struct {
	Chat  int64 `json:"chat"`
	Call  int64 `json:"call"`
	Video int64 `json:"video"`
}

type AvailabilityJSON struct {
	ProviderID      string          `json:"provider_id"`
	ChatOn          bool            `json:"chat_on"`
	CallOn          bool            `json:"call_on"`
	VideoOn         bool            `json:"video_on"`
	Rates           RatesJSON       `json:"rates"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Live            bool            `json:"live"`
	Effective       map[string]bool `json:"effective"`
}

// ToggleJSON sets only the channels that are non-nil.
type ToggleJSON struct {
	Chat  *bool `json:"chat,omitempty"`
	Call  *bool `json:"call,omitempty"`
	Video *bool `json:"video,omitempty"`
}

type WalletJSON struct {
	OwnerID   string    `json:"owner_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AuditEntryJSON struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Args       string    `json:"args"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	DurationMs int       `json:"duration_ms"`
}
