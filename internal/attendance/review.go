package attendance

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ReviewDecision is the input to Reviewer.Review.
type ReviewDecision struct {
	Decision Decision
	Reviewer string
	Comments string
}

// Reviewer applies the human review transition: pending records become
// approved or rejected, and nothing else moves.
type Reviewer struct {
	store RecordStore
	now   func() time.Time
}

// NewReviewer constructs a Reviewer over store.
func NewReviewer(store RecordStore) *Reviewer {
	return &Reviewer{store: store, now: time.Now}
}

// Review records the decision on the pending record id.
func (r *Reviewer) Review(ctx context.Context, id string, d ReviewDecision) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, ErrNotFound
	}
	var status Status
	switch Decision(strings.ToLower(strings.TrimSpace(string(d.Decision)))) {
	case DecisionApprove:
		status = StatusApproved
	case DecisionReject:
		status = StatusRejected
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidDecision, d.Decision)
	}
	reviewer := strings.TrimSpace(d.Reviewer)
	if reviewer == "" {
		return Record{}, fmt.Errorf("%w: reviewer is required", ErrInvalidDecision)
	}
	return r.store.Review(ctx, id, Review{
		Status:     status,
		ReviewedBy: reviewer,
		Comments:   strings.TrimSpace(d.Comments),
		ReviewedAt: r.now().UTC(),
	})
}
