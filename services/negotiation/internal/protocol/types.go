package protocol

import "time"

type Status string

const (
	StatusInitiated        Status = "INITIATED"
	StatusNegotiating      Status = "NEGOTIATING"
	StatusConsensusReached Status = "CONSENSUS_REACHED"
	StatusBinding          Status = "BINDING"
	StatusDisputed         Status = "DISPUTED"
	StatusTerminated       Status = "TERMINATED"
	StatusExpired          Status = "EXPIRED"
)

type MessageType string

const (
	MessageInitiate     MessageType = "INITIATE"
	MessageJoin         MessageType = "JOIN"
	MessageOffer        MessageType = "OFFER"
	MessageCounterOffer MessageType = "COUNTER_OFFER"
	MessageAccept       MessageType = "ACCEPT"
	MessageFinalize     MessageType = "FINALIZE"
	MessageWithdraw     MessageType = "WITHDRAW"
	MessageDispute      MessageType = "DISPUTE"
)

// Terms is the opaque negotiated payload. The protocol hashes it and passes
// it through; it never interprets the contents.
type Terms = map[string]any

type TermsRevision struct {
	Version    int       `json:"version"`
	Terms      Terms     `json:"terms"`
	ProposedBy string    `json:"proposed_by"`
	Timestamp  time.Time `json:"timestamp"`
}

type Acceptance struct {
	Version           int       `json:"version"`
	Timestamp         time.Time `json:"timestamp"`
	Signature         string    `json:"signature,omitempty"`
	SignatureVerified bool      `json:"signature_verified"`
}

type Finalization struct {
	Timestamp         time.Time `json:"timestamp"`
	Signature         string    `json:"signature,omitempty"`
	SignatureVerified bool      `json:"signature_verified"`
}

// Negotiation is the central aggregate and the unit of concurrency control.
// LockVersion is read at load and compared on save; a miss means a concurrent
// writer won and the caller must retry against fresh state.
type Negotiation struct {
	ID                     string                  `json:"id"`
	InitiatorID            string                  `json:"initiator_id"`
	ParticipantIDs         []string                `json:"participant_ids"`
	JoinedParticipantIDs   []string                `json:"joined_participant_ids"`
	RequiredConsensusCount int                     `json:"required_consensus_count"`
	Status                 Status                  `json:"status"`
	CurrentTerms           Terms                   `json:"current_terms"`
	TermsVersion           int                     `json:"terms_version"`
	TermsHistory           []TermsRevision         `json:"terms_history"`
	Acceptances            map[string]Acceptance   `json:"acceptances"`
	Finalizations          map[string]Finalization `json:"finalizations"`
	NegotiationDeadline    time.Time               `json:"negotiation_deadline"`
	FinalizationDeadline   time.Time               `json:"finalization_deadline"`
	BindingTerms           Terms                   `json:"binding_terms,omitempty"`
	BindingTimestamp       *time.Time              `json:"binding_timestamp,omitempty"`
	BindingHash            string                  `json:"binding_hash,omitempty"`
	ContentHash            string                  `json:"content_hash"`
	CreatedAt              time.Time               `json:"created_at"`
	UpdatedAt              time.Time               `json:"updated_at"`
	LockVersion            int64                   `json:"-"`
}

func (n *Negotiation) isParticipant(id string) bool {
	for _, p := range n.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

func (n *Negotiation) hasJoined(id string) bool {
	for _, p := range n.JoinedParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Message is one append-only audit record per protocol action.
type Message struct {
	ID                string      `json:"id"`
	NegotiationID     string      `json:"negotiation_id"`
	SenderID          string      `json:"sender_id"`
	Type              MessageType `json:"type"`
	Terms             Terms       `json:"terms,omitempty"`
	TermsVersion      int         `json:"terms_version,omitempty"`
	Text              string      `json:"text,omitempty"`
	Signature         string      `json:"signature,omitempty"`
	SignatureVerified bool        `json:"signature_verified"`
	ContentHash       string      `json:"content_hash"`
	Timestamp         time.Time   `json:"timestamp"`
}
