// Package record persists draft emissions records and their review lifecycle.
// A record's identity is its document fingerprint; the review decision arrives
// out of band and may be redelivered, so every transition is idempotent.
package record

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// ReviewState is the review lifecycle state of a record.
type ReviewState string

const (
	StatePending  ReviewState = "pending"
	StateApproved ReviewState = "approved"
	StateEdited   ReviewState = "edited"
	StateRejected ReviewState = "rejected"
)

// Terminal reports whether the state is a final review outcome.
func (s ReviewState) Terminal() bool {
	return s == StateApproved || s == StateEdited || s == StateRejected
}

// PersistedRecord is a draft record with its review lifecycle.
type PersistedRecord struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	URL         string            `json:"url"`
	Draft       model.DraftRecord `json:"draft"`
	ReviewState ReviewState       `json:"reviewState"`
	// Visible is false for pending and rejected records. Rejected records are
	// retained for audit but never served.
	Visible   bool      `json:"visible"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReviewRequest tracks one published review message. PublishToken dedupes
// publishes across redelivered review jobs.
type ReviewRequest struct {
	RecordID     string    `json:"recordId"`
	ChannelID    string    `json:"channelId"`
	MessageID    string    `json:"messageId"`
	PublishToken string    `json:"publishToken"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ListFilter narrows List results.
type ListFilter struct {
	// IncludeHidden also returns pending and rejected records.
	IncludeHidden bool
	Limit         int
	Offset        int
}

// Store is the persistence interface for records, review requests, and
// document chain ownership.
type Store interface {
	// ClaimDocument records chain ownership for a fingerprint. It returns
	// false when a chain rooted at a different URL already owns it; the
	// caller short-circuits instead of starting a duplicate chain. Claiming
	// again with the owning URL returns true, so a redelivered download job
	// resumes its own chain.
	ClaimDocument(ctx context.Context, fingerprint, url string) (bool, error)

	// UpsertProvisional writes the draft for a fingerprint and returns the
	// record with its stable id. Redelivery overwrites a pending draft but
	// never touches a resolved record.
	UpsertProvisional(ctx context.Context, fingerprint, url string, draft model.DraftRecord) (*PersistedRecord, error)

	// Get returns a record by id regardless of visibility.
	Get(ctx context.Context, id string) (*PersistedRecord, error)

	// List returns visible records, newest first, unless the filter asks for
	// hidden ones too.
	List(ctx context.Context, filter ListFilter) ([]PersistedRecord, error)

	// Resolve applies a review decision. Pending records transition; a repeat
	// of an applied decision is a no-op, except that a repeated edit carrying
	// a patch applies it to the stored draft; a conflicting decision on a
	// resolved record is an error. Terminal states never flip.
	Resolve(ctx context.Context, id string, decision model.Decision, patch model.Patch) (*PersistedRecord, error)

	// SaveReviewRequest records a published review message. Saving again for
	// the same record is a no-op.
	SaveReviewRequest(ctx context.Context, req ReviewRequest) error

	// GetReviewRequest returns the review request for a record, or nil.
	GetReviewRequest(ctx context.Context, recordID string) (*ReviewRequest, error)

	Migrate(ctx context.Context) error
	Close() error
}

func stateFor(decision model.Decision) ReviewState {
	switch decision {
	case model.DecisionApproved:
		return StateApproved
	case model.DecisionEdited:
		return StateEdited
	case model.DecisionRejected:
		return StateRejected
	}
	return StatePending
}

// resolveTransition computes the record's next draft, state, and visibility
// for a decision. changed=false means the call is an idempotent repeat.
func resolveTransition(rec *PersistedRecord, decision model.Decision, patch model.Patch) (model.DraftRecord, ReviewState, bool, bool, error) {
	if !decision.Valid() {
		return rec.Draft, rec.ReviewState, rec.Visible, false, eris.Errorf("record: invalid decision %q", decision)
	}

	target := stateFor(decision)
	if rec.ReviewState.Terminal() {
		if rec.ReviewState == target {
			// A follow-up edit may carry the patch an earlier patchless
			// delivery lacked. Patch values are absolute, so re-applying
			// the same patch converges on the same draft.
			if target == StateEdited && len(patch) > 0 {
				patched, err := patch.Apply(rec.Draft)
				if err != nil {
					return rec.Draft, rec.ReviewState, rec.Visible, false, eris.Wrap(err, "record: apply patch")
				}
				return patched, rec.ReviewState, rec.Visible, true, nil
			}
			return rec.Draft, rec.ReviewState, rec.Visible, false, nil
		}
		return rec.Draft, rec.ReviewState, rec.Visible, false,
			eris.Errorf("record: %s already resolved as %s, cannot %s", rec.ID, rec.ReviewState, decision)
	}

	draft := rec.Draft
	if decision == model.DecisionEdited && len(patch) > 0 {
		patched, err := patch.Apply(draft)
		if err != nil {
			return rec.Draft, rec.ReviewState, rec.Visible, false, eris.Wrap(err, "record: apply patch")
		}
		draft = patched
	}
	visible := decision != model.DecisionRejected
	return draft, target, visible, true, nil
}
