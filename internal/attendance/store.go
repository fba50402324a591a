package attendance

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"fieldops.org/internal/ids"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// RecordStore persists attendance records. Records are never deleted.
type RecordStore interface {
	// Create assigns ID, CreatedAt and UpdatedAt on rec and stores it.
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (Record, error)
	// List returns matching records, newest check-in first.
	List(ctx context.Context, f Filter) ([]Record, error)
	// Review moves a pending record to rv.Status. It returns ErrNotPending when
	// the record has already left the pending state.
	Review(ctx context.Context, id string, rv Review) (Record, error)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserEmail string
	TaskID    string
	Status    Status
	Limit     int
}

// Normalize trims fields and clamps the limit into [1, MaxListLimit].
func (f Filter) Normalize() Filter {
	f.UserEmail = strings.TrimSpace(f.UserEmail)
	f.TaskID = strings.TrimSpace(f.TaskID)
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

func (f Filter) matches(r Record) bool {
	if f.UserEmail != "" && !strings.EqualFold(r.UserEmail, f.UserEmail) {
		return false
	}
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Review is a reviewer's terminal decision on a pending record.
type Review struct {
	Status     Status
	ReviewedBy string
	Comments   string
	ReviewedAt time.Time
}

// InMemoryStore implements RecordStore with in-process concurrency safety.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Record)}
}

func (s *InMemoryStore) Create(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec.ID = ids.NewAt(rec.CheckInTime)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	stored := cloneRecord(*rec)
	s.records[rec.ID] = &stored
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(*rec), nil
}

func (s *InMemoryStore) List(ctx context.Context, f Filter) ([]Record, error) {
	f = f.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []Record
	for _, rec := range s.records {
		if f.matches(*rec) {
			res = append(res, cloneRecord(*rec))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CheckInTime.Equal(res[j].CheckInTime) {
			return res[i].ID > res[j].ID
		}
		return res[i].CheckInTime.After(res[j].CheckInTime)
	})
	if len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (s *InMemoryStore) Review(ctx context.Context, id string, rv Review) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusPending {
		return Record{}, ErrNotPending
	}
	reviewedAt := rv.ReviewedAt.UTC()
	rec.Status = rv.Status
	rec.ReviewedBy = rv.ReviewedBy
	rec.ReviewComments = rv.Comments
	rec.ReviewedAt = &reviewedAt
	rec.UpdatedAt = reviewedAt
	return cloneRecord(*rec), nil
}

// Len returns the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneRecord(r Record) Record {
	out := r
	out.VerificationFlags = append([]string(nil), r.VerificationFlags...)
	if out.VerificationFlags == nil {
		out.VerificationFlags = []string{}
	}
	if r.DistanceFromTask != nil {
		d := *r.DistanceFromTask
		out.DistanceFromTask = &d
	}
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		out.ReviewedAt = &t
	}
	return out
}
