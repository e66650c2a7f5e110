package trust

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pactlane/pkg/hashchain"
)

// Bridge turns a dispute over a binding negotiation into a chained trust
// event plus a pending appeal, written atomically.
type Bridge struct {
	store Store
}

func NewBridge(store Store) *Bridge { return &Bridge{store: store} }

func (b *Bridge) OpenDispute(ctx context.Context, d Dispute) (*Event, *Appeal, error) {
	subject := d.SubjectOf()

	prev, err := b.store.LatestEventHash(ctx, d.DisputerID, subject)
	if err != nil {
		return nil, nil, fmt.Errorf("trust: latest event hash: %w", err)
	}

	ev := &Event{
		ID:         "tev_" + uuid.NewString(),
		ActorID:    d.DisputerID,
		SubjectID:  subject,
		EventType:  EventConflict,
		TrustDelta: ConflictTrustDelta,
		Context: map[string]any{
			"negotiation_id": d.NegotiationID,
			"binding_hash":   d.BindingHash,
			"binding_terms":  d.BindingTerms,
			"dispute_reason": d.Reason,
		},
		ReporterID:   d.DisputerID,
		PreviousHash: prev,
		CreatedAt:    d.At,
	}
	ev.ContentHash, err = eventHash(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("trust: event hash: %w", err)
	}

	ap := &Appeal{
		ID:           "apl_" + uuid.NewString(),
		TrustEventID: ev.ID,
		AppellantID:  d.DisputerID,
		Status:       AppealPending,
		AppealReason: d.Reason,
		Evidence: map[string]any{
			"negotiation_id": d.NegotiationID,
			"binding_hash":   d.BindingHash,
		},
		ReviewDeadline: d.At.Add(AppealReviewPeriod),
		CreatedAt:      d.At,
	}

	if err := b.store.CreateDisputeRecords(ctx, ev, ap); err != nil {
		return nil, nil, fmt.Errorf("trust: create dispute records: %w", err)
	}
	return ev, ap, nil
}

// eventHash chains the event's identifying fields to its predecessor. The
// hash never covers ContentHash itself.
func eventHash(ev *Event) (string, error) {
	return hashchain.ChainedSum(map[string]any{
		"id":          ev.ID,
		"actor_id":    ev.ActorID,
		"subject_id":  ev.SubjectID,
		"event_type":  string(ev.EventType),
		"trust_delta": ev.TrustDelta,
		"context":     ev.Context,
		"reporter_id": ev.ReporterID,
		"created_at":  ev.CreatedAt,
	}, ev.PreviousHash)
}
