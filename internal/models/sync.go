package models

import "time"

// RetryStatus tags the retry state of a pending change.
type RetryStatus string

const (
	// RetryPending is a change that has not hit a version conflict yet.
	RetryPending RetryStatus = "pending"
	// RetryRetrying is a change that hit Count version conflicts so far.
	RetryRetrying RetryStatus = "retrying"
	// RetryAbandoned is a change that exhausted its retries and must be dropped.
	RetryAbandoned RetryStatus = "abandoned"
)

// RetryState is the per-change retry state machine:
// pending -> retrying(1..limit-1) -> abandoned.
type RetryState struct {
	Status RetryStatus `json:"status"`
	Count  int         `json:"count,omitempty"`
}

// Next returns the state after one more version conflict. Once the conflict
// count reaches limit the change is abandoned.
func (s RetryState) Next(limit int) RetryState {
	count := s.Count + 1
	if count >= limit {
		return RetryState{Status: RetryAbandoned, Count: count}
	}
	return RetryState{Status: RetryRetrying, Count: count}
}

// PendingChange is a local mutation not yet acknowledged by the remote store.
type PendingChange struct {
	Operation Operation  `json:"operation"`
	Record    Record     `json:"record"`
	Retry     RetryState `json:"retry"`
}

// ConflictReason explains why the server rejected a pending change.
type ConflictReason string

const (
	// ReasonVersionMismatch means the base version is stale; retryable.
	ReasonVersionMismatch ConflictReason = "version_mismatch"
	// ReasonModelDeleted means another actor deleted the record; terminal.
	ReasonModelDeleted ConflictReason = "model_deleted"
	// ReasonNoPermission means the user may not modify the record; terminal.
	ReasonNoPermission ConflictReason = "no_permission"
)

// Terminal reports whether no retry can resolve the conflict.
func (r ConflictReason) Terminal() bool {
	return r == ReasonModelDeleted || r == ReasonNoPermission
}

// Conflict is a rejected change in a push response.
type Conflict struct {
	ID     string         `json:"id"`
	Reason ConflictReason `json:"reason"`
}

// Change is one entry of a push request.
type Change struct {
	Operation Operation `json:"operation"`
	Record    Record    `json:"record"`
}

// StatusResponse is returned by GET /api/sync/status.
type StatusResponse struct {
	ActiveRecordCount int `json:"activeRecordCount"`
	// TombstoneCutoff is the time before which deletions may have been
	// purged. Clients that last synced earlier must pull everything.
	TombstoneCutoff *time.Time `json:"tombstoneCutoff,omitempty"`
}

// PullRequest is the body of POST /api/sync/pull. A nil LastSyncAt asks for
// a full pull.
type PullRequest struct {
	LastSyncAt *time.Time `json:"lastSyncAt"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

// PullResponse is one page of a pull.
type PullResponse struct {
	Records         []Record        `json:"records"`
	HasMore         bool            `json:"hasMore"`
	ServerTime      time.Time       `json:"serverTime"`
	Count           int             `json:"count"`
	Total           int             `json:"total"`
	SharedLibraries []SharedLibrary `json:"sharedLibraries"`
}

// PushRequest is the body of POST /api/sync/push.
type PushRequest struct {
	Changes []Change `json:"changes"`
}

// PushResults partitions the outcome of a push by record id.
type PushResults struct {
	Created   []string   `json:"created"`
	Updated   []string   `json:"updated"`
	Deleted   []string   `json:"deleted"`
	Conflicts []Conflict `json:"conflicts"`
}

// PushResponse is returned by POST /api/sync/push.
type PushResponse struct {
	Results    PushResults `json:"results"`
	ServerTime time.Time   `json:"serverTime"`
}

// MagicLinkRequest asks the server to email a sign-in link.
type MagicLinkRequest struct {
	Email string `json:"email"`
}

// VerifyRequest exchanges a magic-link token for a session.
type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse carries a new session.
type VerifyResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

// RefreshRequest exchanges a refresh token for a new token pair.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse carries a rotated token pair.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ErrorResponse is the JSON error body used by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ShareRequest shares (or, with an empty Name on the unshare route,
// withdraws) the caller's library with the user registered under Email.
type ShareRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
