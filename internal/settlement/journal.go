package settlement

import (
	"context"
	"sync"
	"time"
)

// Journal entry statuses.
const (
	JournalPrepared     = "prepared"
	JournalConfirmed    = "confirmed"
	JournalFailed       = "failed"
	JournalNotSubmitted = "not_submitted"
	JournalAmbiguous    = "ambiguous"
	JournalDropped      = "dropped"
)

// Entry records one settlement attempt for an action. Attempts are keyed by
// (ActionID, Reference); recording the same pair again updates the status.
type Entry struct {
	ActionID      string
	Reference     string
	SenderHash    string
	RecipientHash string
	Amount        uint64
	Status        string
	Detail        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Journal keeps settlement attempts for manual reconciliation.
type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Entries(ctx context.Context, actionID string) ([]Entry, error)
}

type memoryJournal struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

// NewMemoryJournal returns a process-local journal.
func NewMemoryJournal() Journal {
	return &memoryJournal{entries: make(map[string][]Entry)}
}

func (j *memoryJournal) Record(_ context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now().UTC()
	list := j.entries[entry.ActionID]
	for i := range list {
		if list[i].Reference == entry.Reference {
			list[i].Status = entry.Status
			list[i].Detail = entry.Detail
			list[i].UpdatedAt = now
			return nil
		}
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	j.entries[entry.ActionID] = append(list, entry)
	return nil
}

func (j *memoryJournal) Entries(_ context.Context, actionID string) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.entries[actionID]...), nil
}
