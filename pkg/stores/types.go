package stores

import (
	"context"
	"database/sql"
	"time"
)

// PatternSource identifies which cascade layer produced a learned pattern.
// Sources are ranked: a stored pattern is only overwritten by a higher-ranked
// source, or by an equal-ranked source with strictly higher confidence.
type PatternSource string

const (
	// SourceSeed is a curated seed entry shipped with the store.
	SourceSeed PatternSource = "seed"
	// SourceProviderProbe is a definitive provider existence check.
	SourceProviderProbe PatternSource = "provider_probe"
	// SourceMultiProbe is a definitive check across the full template enumeration.
	SourceMultiProbe PatternSource = "multi_probe"
	// SourceWebsite is template-frequency inference from mined site pages.
	SourceWebsite PatternSource = "website"
	// SourceReacher is an external SMTP-style reachability verification.
	SourceReacher PatternSource = "reacher"
	// SourceAPI is a third-party contact-data provider.
	SourceAPI PatternSource = "api"
	// SourceDefault is the statistical fallback.
	SourceDefault PatternSource = "default"
)

// Rank returns the overwrite precedence of a source. Higher wins.
// Definitive existence checks outrank frequency inference, which outranks
// the statistical default.
func (s PatternSource) Rank() int {
	switch s {
	case SourceSeed, SourceProviderProbe, SourceMultiProbe:
		return 3
	case SourceWebsite, SourceReacher, SourceAPI:
		return 2
	case SourceDefault:
		return 1
	default:
		return 0
	}
}

// AttemptState represents the lifecycle state of an outreach attempt.
type AttemptState string

const (
	StateDiscovered   AttemptState = "discovered"
	StateDrafted      AttemptState = "drafted"
	StateScheduled    AttemptState = "scheduled"
	StateSent         AttemptState = "sent"
	StatePendingConf  AttemptState = "pending_confirmation"
	StateDelivered    AttemptState = "delivered"
	StateBounced      AttemptState = "bounced"
	StateRetryDrafted AttemptState = "retry_drafted"
	StateGivenUp      AttemptState = "given_up"
)

// IsTerminal reports whether no further transitions are expected. Delivered
// is deliberately not terminal: a late bounce may still override it.
func (s AttemptState) IsTerminal() bool {
	return s == StateGivenUp
}

// DomainPattern is the learned naming template for a domain.
type DomainPattern struct {
	Domain      string        `json:"domain"`
	Template    string        `json:"template"`
	Confidence  float64       `json:"confidence"`
	Source      PatternSource `json:"source"`
	ConfirmedAt time.Time     `json:"confirmed_at"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ProviderRecord is a cached mail-provider classification for a domain.
type ProviderRecord struct {
	Domain          string    `json:"domain"`
	Provider        string    `json:"provider"` // google, microsoft, selfhosted, unknown
	CatchAll        bool      `json:"catch_all"`
	CatchAllChecked bool      `json:"catch_all_checked"`
	ClassifiedAt    time.Time `json:"classified_at"`
}

// Cooldown memoizes an unresolved company for a TTL window.
type Cooldown struct {
	Domain    string    `json:"domain"`
	Reason    string    `json:"reason"`
	Until     time.Time `json:"until"`
	CreatedAt time.Time `json:"created_at"`
}

// Attempt is one message lifecycle for one contact. Retries mutate this
// record and append AttemptEvents; they never create a second Attempt for
// the same (contact, run).
type Attempt struct {
	ID          string       `json:"id"`
	RunID       string       `json:"run_id"`
	ContactKey  string       `json:"contact_key"` // lower(name)|role|domain
	ContactName string       `json:"contact_name"`
	ContactRole string       `json:"contact_role"` // hiring_manager, recruiter
	Company     string       `json:"company"`
	Domain      string       `json:"domain"`
	Candidate   string       `json:"candidate"` // current address in use
	Template    string       `json:"template"`
	Confidence  float64      `json:"confidence"`
	State       AttemptState `json:"state"`
	Retries     int          `json:"retries"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// AttemptEvent is an append-only record of one attempt transition.
type AttemptEvent struct {
	ID        int64        `json:"id"`
	AttemptID string       `json:"attempt_id"`
	FromState AttemptState `json:"from_state"`
	ToState   AttemptState `json:"to_state"`
	Candidate string       `json:"candidate"`
	Detail    string       `json:"detail"`
	Timestamp time.Time    `json:"timestamp"`
}

// APICredit tracks remaining budget for an external contact-data provider.
type APICredit struct {
	Provider string    `json:"provider"`
	Budget   int       `json:"budget"`
	Used     int       `json:"used"`
	ResetAt  time.Time `json:"reset_at"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Pattern store
	LookupPattern(ctx context.Context, domain string) (*DomainPattern, error)
	RecordPattern(ctx context.Context, domain, template string, confidence float64, source PatternSource) error
	MarkPatternFailed(ctx context.Context, domain, template string) error
	IsPatternFailed(ctx context.Context, domain, template string) (bool, error)
	FailedPatterns(ctx context.Context, domain string) ([]string, error)

	// Provider classification cache
	LookupProvider(ctx context.Context, domain string, maxAge time.Duration) (*ProviderRecord, error)
	UpsertProvider(ctx context.Context, rec *ProviderRecord) error
	SetCatchAll(ctx context.Context, domain string, catchAll bool) error

	// Retry/TTL ledger
	RecordCooldown(ctx context.Context, domain, reason string, until time.Time) error
	InCooldown(ctx context.Context, domain string, now time.Time) (*Cooldown, error)

	// Outreach attempts
	CreateAttempt(ctx context.Context, attempt *Attempt) error
	GetAttempt(ctx context.Context, id string) (*Attempt, error)
	FindAttempt(ctx context.Context, runID, contactKey string) (*Attempt, error)
	FindAttemptByCandidate(ctx context.Context, candidate string) (*Attempt, error)
	UpdateAttempt(ctx context.Context, attempt *Attempt) error
	ListAttemptsByState(ctx context.Context, state AttemptState) ([]*Attempt, error)
	AppendAttemptEvent(ctx context.Context, event *AttemptEvent) error
	ListAttemptEvents(ctx context.Context, attemptID string) ([]*AttemptEvent, error)

	// API credit ledger
	GetCredit(ctx context.Context, provider string) (*APICredit, error)
	EnsureCredit(ctx context.Context, provider string, budget int, resetAt time.Time) error
	UseCredit(ctx context.Context, provider string) error
	ResetCredits(ctx context.Context, resetAt time.Time) error

	// Utility
	HealthCheck(ctx context.Context) error
}
