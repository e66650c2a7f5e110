package trust

import (
	"context"
	"sort"
	"time"
)

type EventType string

const EventConflict EventType = "CONFLICT"

// ConflictTrustDelta is the fixed penalty attached to a disputed binding
// agreement. Resolution of the appeal may later compensate it; that workflow
// lives outside this service.
const ConflictTrustDelta = -0.1

const AppealReviewPeriod = 7 * 24 * time.Hour

const AppealPending = "PENDING"

// Event is one record in the per-identity trust ledger. PreviousHash links it
// to the most recent prior event involving either ActorID or SubjectID, so
// each identity carries its own tamper-evident lineage.
type Event struct {
	ID           string         `json:"id"`
	ActorID      string         `json:"actor_id"`
	SubjectID    string         `json:"subject_id"`
	EventType    EventType      `json:"event_type"`
	TrustDelta   float64        `json:"trust_delta"`
	Context      map[string]any `json:"context"`
	ReporterID   string         `json:"reporter_id"`
	ContentHash  string         `json:"content_hash"`
	PreviousHash string         `json:"previous_hash,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Appeal is opened 1:1 with every dispute. After creation its lifecycle is
// owned by the appeal-resolution subsystem.
type Appeal struct {
	ID             string         `json:"id"`
	TrustEventID   string         `json:"trust_event_id"`
	AppellantID    string         `json:"appellant_id"`
	Status         string         `json:"status"`
	AppealReason   string         `json:"appeal_reason"`
	Evidence       map[string]any `json:"evidence"`
	ReviewDeadline time.Time      `json:"review_deadline"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store is the slice of persistence the bridge needs. CreateDisputeRecords
// must write the event and the appeal in a single transaction; a trust event
// without its appeal is a consistency fault.
type Store interface {
	LatestEventHash(ctx context.Context, partyA, partyB string) (string, error)
	CreateDisputeRecords(ctx context.Context, ev *Event, ap *Appeal) error
}

// Dispute carries everything the bridge needs from a disputed negotiation.
type Dispute struct {
	NegotiationID  string
	BindingHash    string
	BindingTerms   map[string]any
	ParticipantIDs []string
	DisputerID     string
	Reason         string
	At             time.Time
}

// SubjectOf picks the trust-event subject for a dispute: the counterparty in
// a two-party negotiation, otherwise the first other participant in sorted id
// order so the choice is reproducible.
func (d Dispute) SubjectOf() string {
	others := make([]string, 0, len(d.ParticipantIDs))
	for _, p := range d.ParticipantIDs {
		if p != d.DisputerID {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		return d.DisputerID
	}
	sort.Strings(others)
	return others[0]
}
