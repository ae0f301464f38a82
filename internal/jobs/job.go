package jobs

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind selects the handler for a job
type Kind string

const (
	KindSyncAccount    Kind = "sync_account"
	KindProcessMessage Kind = "process_message"
)

// Mode of a sync_account unit
type Mode string

const (
	ModeInitial Mode = "initial"
	ModeQuick   Mode = "quick"
)

// Job is one unit of work. Continuations carry Cursor and Remaining
// forward; process_message units carry MessageID.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	AccountID  string    `json:"account_id"`
	Mode       Mode      `json:"mode,omitempty"`
	Cursor     string    `json:"cursor,omitempty"`
	Remaining  int       `json:"remaining,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewSyncJob creates the first unit of a sync chain
func NewSyncJob(accountID string, mode Mode, limit int) *Job {
	return &Job{ID: uuid.NewString(), Kind: KindSyncAccount, AccountID: accountID, Mode: mode, Remaining: limit}
}

// NewMessageJob creates a per-message fan-out unit
func NewMessageJob(accountID, messageID string) *Job {
	return &Job{ID: uuid.NewString(), Kind: KindProcessMessage, AccountID: accountID, MessageID: messageID}
}

// Continue returns the next unit of the same chain
func (j *Job) Continue(cursor string, remaining int) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      j.Kind,
		AccountID: j.AccountID,
		Mode:      j.Mode,
		Cursor:    cursor,
		Remaining: remaining,
	}
}

// Retry returns a copy with the attempt counter bumped
func (j *Job) Retry() *Job {
	next := *j
	next.Attempt++
	return &next
}

// DedupID identifies one delivery attempt of the job
func (j *Job) DedupID() string {
	return fmt.Sprintf("%s/%d", j.ID, j.Attempt)
}

// Subject is the transport subject the job is published on
func (j *Job) Subject() string {
	return "mailsync.jobs." + string(j.Kind)
}

// LogAttrs are the standard attributes for logging a job
func (j *Job) LogAttrs() []any {
	return []any{"job_id", j.ID, "kind", j.Kind, "account_id", j.AccountID, "attempt", j.Attempt}
}

func Encode(j *Job) ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.ID == "" || j.Kind == "" {
		return nil, fmt.Errorf("decode job: missing id or kind")
	}
	return &j, nil
}
