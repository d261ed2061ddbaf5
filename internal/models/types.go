// Package models holds the wire-level shapes shared across the relay core:
// the request body, the account a request is routed to and its proxy
// descriptor, the scheduler's account selection, the TTL'd health counters
// tracked per account, and the usage record emitted once a request
// completes. The sticky-session hash itself is computed in internal/relay.
package models

// RequestBody is the Claude /v1/messages body. It is kept as flexible JSON
// rather than a strict struct because Claude Code sends nested content
// blocks (text/tool_use/tool_result/thinking) whose shape varies by role;
// the teacher's handlers (internal/proxy/handlers/claude.go) use the same
// map[string]interface{} walk for the same reason.
type RequestBody = map[string]interface{}

// ProxyDescriptor describes an upstream-facing proxy assigned to an
// account. Type is one of "socks5", "http", "https".
type ProxyDescriptor struct {
	Type     string `json:"type" yaml:"type"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// Account is the externally-owned vendor account record. The relay core
// only reads it and updates its health flags; lifecycle management
// (creation, OAuth refresh, activation) belongs to the account-management
// subsystem (out of scope, see internal/accountservice for a reference
// implementation).
type Account struct {
	ID       string
	Name     string
	IsActive bool
	Status   string

	Proxy *ProxyDescriptor

	BanMode bool

	UseUnifiedClientID bool
	UnifiedClientID    string // 64 hex chars

	UseUnifiedUserAgent bool
	CapturedUserAgent   string
}

// AccountSelection is what the scheduler returns for a given
// (apiKey, sessionHash, model) tuple.
type AccountSelection struct {
	AccountID   string
	AccountType string
}

// HealthCounters mirrors the TTL'd per-account bookkeeping kept in the KV
// store. It is a read-only snapshot; the health controller is the only
// component that mutates the underlying keys.
type HealthCounters struct {
	Unauthorized401     int
	ServerErrors        int
	Overloaded          bool
	RateLimited         bool
	RateLimitResetAt    int64
	SessionWindowStatus string
}

// UsageRecord is emitted once per completed request, streaming or not.
type UsageRecord struct {
	Model                    string              `json:"model"`
	InputTokens              int                 `json:"input_tokens"`
	OutputTokens             int                 `json:"output_tokens"`
	CacheCreationInputTokens int                 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int                 `json:"cache_read_input_tokens,omitempty"`
	CacheCreation            *CacheCreationUsage `json:"cache_creation,omitempty"`
	AccountID                string              `json:"account_id"`
}

// CacheCreationUsage breaks cache-creation tokens down by TTL bucket.
type CacheCreationUsage struct {
	Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens,omitempty"`
	Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens,omitempty"`
}

// Merge folds other's token counts into u, summing fields, and prefers
// other's Model when set. Used to combine partial usage records parsed off
// an SSE stream into one final record.
func (u *UsageRecord) Merge(other *UsageRecord) {
	if other == nil {
		return
	}
	if other.Model != "" {
		u.Model = other.Model
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	if other.CacheCreation != nil {
		if u.CacheCreation == nil {
			u.CacheCreation = &CacheCreationUsage{}
		}
		u.CacheCreation.Ephemeral5mInputTokens += other.CacheCreation.Ephemeral5mInputTokens
		u.CacheCreation.Ephemeral1hInputTokens += other.CacheCreation.Ephemeral1hInputTokens
	}
}
