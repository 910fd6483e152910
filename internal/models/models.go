package models

import "time"

// Threat levels for a scored request.
const (
	ThreatLevelLow    = "LOW"
	ThreatLevelMedium = "MEDIUM"
	ThreatLevelHigh   = "HIGH"
)

// Actions recorded in the security log.
const (
	ActionAllowed       = "allowed"
	ActionCaptcha       = "captcha"
	ActionBlocked       = "blocked"
	ActionAutoBlocked   = "auto_blocked"
	ActionCaptchaBlock  = "captcha_blocked"
	ActionLedgerBlocked = "blockchain_blocked"
	ActionUnblocked     = "unblocked"
)

// ThreatAssessment is the per-request scoring result. It is created fresh
// for every request and only persisted as part of the security log.
type ThreatAssessment struct {
	ClientID   string         `json:"client_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Factors    map[string]int `json:"factors"`
	TotalScore int            `json:"total_score"`
	Level      string         `json:"level"`
}

// CoordinatedAttackRecord describes one detected cross-client attack.
// Immutable once created; at most one per signature per detection window.
type CoordinatedAttackRecord struct {
	SignatureHash string    `json:"signature_hash" db:"signature_hash"`
	PatternJSON   string    `json:"pattern_json" db:"pattern_json"`
	ClientCount   int       `json:"client_count" db:"client_count"`
	RequestCount  int       `json:"request_count" db:"request_count"`
	Severity      int       `json:"severity" db:"severity"`
	DetectedAt    time.Time `json:"detected_at" db:"detected_at"`
	LedgerSynced  bool      `json:"ledger_synced" db:"ledger_synced"`
	LedgerTxRef   string    `json:"ledger_tx_ref" db:"ledger_tx_ref"`
}

// BlockEntry is a locally persisted block. LedgerSynced may only be true
// when LedgerTxRef holds a confirmed transaction reference.
type BlockEntry struct {
	ID           int        `json:"id" db:"id"`
	ClientIDHash string     `json:"client_id_hash" db:"client_id_hash"`
	Reason       string     `json:"reason" db:"reason"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at" db:"expires_at"` // nil = manual, no expiry
	IsManual     bool       `json:"is_manual" db:"is_manual"`
	LedgerTxRef  *string    `json:"ledger_tx_ref" db:"ledger_tx_ref"`
	LedgerSynced bool       `json:"ledger_synced" db:"ledger_synced"`
	Geolocation  *GeoData   `json:"geolocation,omitempty" db:"-"`
}

type GeoData struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// CaptchaChallenge is the Redis-stored challenge state, keyed by token.
type CaptchaChallenge struct {
	ClientID       string    `json:"client_id"`
	ChallengeText  string    `json:"challenge"`
	ExpectedAnswer int       `json:"answer"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChallengeDTO is what captcha issuance returns to the caller. The expected
// answer never leaves the server.
type ChallengeDTO struct {
	Token     string `json:"token"`
	Challenge string `json:"challenge"`
	ExpiresIn int    `json:"expires_in"`
}

// SecurityLogEntry is the immutable audit record, one per processed request.
type SecurityLogEntry struct {
	ID            int       `json:"id" db:"id"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	ClientID      string    `json:"client_id" db:"client_id"`
	Endpoint      string    `json:"endpoint" db:"endpoint"`
	Method        string    `json:"method" db:"method"`
	UserAgent     string    `json:"user_agent" db:"user_agent"`
	ThreatScore   int       `json:"threat_score" db:"threat_score"`
	ThreatLevel   string    `json:"threat_level" db:"threat_level"`
	RateScore     int       `json:"rate_score" db:"rate_score"`
	PatternScore  int       `json:"pattern_score" db:"pattern_score"`
	SessionScore  int       `json:"session_score" db:"session_score"`
	EntropyScore  int       `json:"entropy_score" db:"entropy_score"`
	AuthFailScore int       `json:"auth_failure_score" db:"auth_failure_score"`
	ActionTaken   string    `json:"action_taken" db:"action_taken"`
	LedgerBlocked bool      `json:"ledger_blocked" db:"ledger_blocked"`
	LedgerTxRef   string    `json:"ledger_tx_ref" db:"ledger_tx_ref"`
}

// AttackSignature is a shared signature fetched from the ledger.
type AttackSignature struct {
	Hash         string           `json:"hash"`
	Pattern      SignaturePattern `json:"pattern"`
	DetectedTime int64            `json:"detected_time"`
	ReportedBy   string           `json:"reported_by"`
	Severity     int              `json:"severity"`
}

// SignaturePattern holds the optional predicates of an attack signature.
// A request matches when every present predicate holds.
type SignaturePattern struct {
	EndpointPattern    string            `json:"endpoint_pattern,omitempty"`
	Method             string            `json:"method,omitempty"`
	UserAgentPattern   string            `json:"user_agent_pattern,omitempty"`
	MinRate            int               `json:"min_rate,omitempty"`
	MinRepetitionRatio float64           `json:"min_repetition_ratio,omitempty"`
	QueryParams        map[string]string `json:"query_params,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
}

// SecurityStats summarizes logged events over a time window.
type SecurityStats struct {
	WindowHours   int            `json:"window_hours"`
	TotalRequests int            `json:"total_requests"`
	AverageScore  float64        `json:"average_score"`
	ByAction      map[string]int `json:"by_action"`
	ByLevel       map[string]int `json:"by_level"`
	TopClients    []ClientCount  `json:"top_clients"`
}

type ClientCount struct {
	ClientID string  `json:"client_id" db:"client_id"`
	Count    int     `json:"count" db:"count"`
	AvgScore float64 `json:"avg_score" db:"avg_score"`
}
