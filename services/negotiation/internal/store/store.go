package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pactlane/pkg/signature"
	"pactlane/services/negotiation/internal/protocol"
	"pactlane/services/negotiation/internal/trust"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const schema = `
CREATE TABLE IF NOT EXISTS negotiations (
  id text PRIMARY KEY,
  initiator_id text NOT NULL,
  participant_ids text[] NOT NULL,
  joined_participant_ids text[] NOT NULL,
  required_consensus_count int NOT NULL,
  status text NOT NULL,
  current_terms jsonb NOT NULL,
  terms_version int NOT NULL,
  terms_history jsonb NOT NULL,
  acceptances jsonb NOT NULL,
  finalizations jsonb NOT NULL,
  negotiation_deadline timestamptz NOT NULL,
  finalization_deadline timestamptz NOT NULL,
  binding_terms jsonb,
  binding_timestamp timestamptz,
  binding_hash text NOT NULL DEFAULT '',
  content_hash text NOT NULL,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  lock_version bigint NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS negotiations_status_deadline
  ON negotiations(status, negotiation_deadline, finalization_deadline);

CREATE TABLE IF NOT EXISTS negotiation_messages (
  id text PRIMARY KEY,
  negotiation_id text NOT NULL REFERENCES negotiations(id) ON DELETE CASCADE,
  sender_id text NOT NULL,
  type text NOT NULL,
  terms jsonb,
  terms_version int NOT NULL DEFAULT 0,
  text_note text NOT NULL DEFAULT '',
  sig text NOT NULL DEFAULT '',
  sig_verified boolean NOT NULL DEFAULT false,
  content_hash text NOT NULL,
  occurred_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS negotiation_messages_by_negotiation
  ON negotiation_messages(negotiation_id, occurred_at);

CREATE TABLE IF NOT EXISTS trust_events (
  id text PRIMARY KEY,
  actor_id text NOT NULL,
  subject_id text NOT NULL,
  event_type text NOT NULL,
  trust_delta double precision NOT NULL,
  context jsonb NOT NULL,
  reporter_id text NOT NULL,
  content_hash text NOT NULL,
  previous_hash text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS trust_events_actor ON trust_events(actor_id, created_at);
CREATE INDEX IF NOT EXISTS trust_events_subject ON trust_events(subject_id, created_at);

CREATE TABLE IF NOT EXISTS appeals (
  id text PRIMARY KEY,
  trust_event_id text NOT NULL REFERENCES trust_events(id),
  appellant_id text NOT NULL,
  status text NOT NULL,
  appeal_reason text NOT NULL,
  evidence jsonb NOT NULL,
  review_deadline timestamptz NOT NULL,
  created_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS participant_keys (
  actor_id text PRIMARY KEY,
  public_key text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the tables for dev and test environments, in the
// spirit of a seed helper; production migrations live elsewhere.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

func (s *Store) InsertNegotiation(ctx context.Context, n *protocol.Negotiation) error {
	history, acceptances, finalizations, currentTerms, bindingTerms, err := marshalAggregates(n)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO negotiations(id,initiator_id,participant_ids,joined_participant_ids,required_consensus_count,status,
  current_terms,terms_version,terms_history,acceptances,finalizations,
  negotiation_deadline,finalization_deadline,binding_terms,binding_timestamp,binding_hash,
  content_hash,created_at,updated_at,lock_version)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9::jsonb,$10::jsonb,$11::jsonb,$12,$13,$14::jsonb,$15,$16,$17,$18,$19,0)`,
		n.ID, n.InitiatorID, n.ParticipantIDs, n.JoinedParticipantIDs, n.RequiredConsensusCount, string(n.Status),
		currentTerms, n.TermsVersion, history, acceptances, finalizations,
		n.NegotiationDeadline, n.FinalizationDeadline, bindingTerms, n.BindingTimestamp, n.BindingHash,
		n.ContentHash, n.CreatedAt, n.UpdatedAt)
	return err
}

func (s *Store) GetNegotiation(ctx context.Context, id string) (*protocol.Negotiation, error) {
	row := s.DB.QueryRow(ctx, `
SELECT id,initiator_id,participant_ids,joined_participant_ids,required_consensus_count,status,
  current_terms,terms_version,terms_history,acceptances,finalizations,
  negotiation_deadline,finalization_deadline,binding_terms,binding_timestamp,binding_hash,
  content_hash,created_at,updated_at,lock_version
FROM negotiations WHERE id=$1`, id)
	n, err := scanNegotiation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, protocol.Errf(protocol.KindNotFound, "negotiation %s not found", id)
	}
	return n, err
}

// SaveNegotiation is the compare-and-swap write: the row must still carry the
// lock version read at load, otherwise a concurrent writer won and the caller
// sees STALE_VERSION.
func (s *Store) SaveNegotiation(ctx context.Context, n *protocol.Negotiation) error {
	history, acceptances, finalizations, currentTerms, bindingTerms, err := marshalAggregates(n)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE negotiations SET
  joined_participant_ids=$2, status=$3, current_terms=$4::jsonb, terms_version=$5,
  terms_history=$6::jsonb, acceptances=$7::jsonb, finalizations=$8::jsonb,
  binding_terms=$9::jsonb, binding_timestamp=$10, binding_hash=$11,
  content_hash=$12, updated_at=$13, lock_version=lock_version+1
WHERE id=$1 AND lock_version=$14`,
		n.ID, n.JoinedParticipantIDs, string(n.Status), currentTerms, n.TermsVersion,
		history, acceptances, finalizations,
		bindingTerms, n.BindingTimestamp, n.BindingHash,
		n.ContentHash, n.UpdatedAt, n.LockVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM negotiations WHERE id=$1)`, n.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return protocol.Errf(protocol.KindNotFound, "negotiation %s not found", n.ID)
		}
		return protocol.Errf(protocol.KindStaleVersion, "negotiation %s changed concurrently", n.ID)
	}
	n.LockVersion++
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m *protocol.Message) error {
	var terms []byte
	if m.Terms != nil {
		b, err := json.Marshal(m.Terms)
		if err != nil {
			return err
		}
		terms = b
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO negotiation_messages(id,negotiation_id,sender_id,type,terms,terms_version,text_note,sig,sig_verified,content_hash,occurred_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.NegotiationID, m.SenderID, string(m.Type), terms, m.TermsVersion, m.Text, m.Signature, m.SignatureVerified, m.ContentHash, m.Timestamp)
	return err
}

func (s *Store) ListMessages(ctx context.Context, negotiationID string) ([]protocol.Message, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id,negotiation_id,sender_id,type,terms,terms_version,text_note,sig,sig_verified,content_hash,occurred_at
FROM negotiation_messages WHERE negotiation_id=$1 ORDER BY occurred_at ASC, id ASC`, negotiationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.Message
	for rows.Next() {
		var m protocol.Message
		var typ string
		var terms []byte
		if err := rows.Scan(&m.ID, &m.NegotiationID, &m.SenderID, &typ, &terms, &m.TermsVersion, &m.Text, &m.Signature, &m.SignatureVerified, &m.ContentHash, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Type = protocol.MessageType(typ)
		if len(terms) > 0 {
			_ = json.Unmarshal(terms, &m.Terms)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListPastDeadline feeds the sweeper: open negotiations past the negotiating
// deadline plus consensus-reached ones past the finalization deadline.
func (s *Store) ListPastDeadline(ctx context.Context, now time.Time) ([]*protocol.Negotiation, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id,initiator_id,participant_ids,joined_participant_ids,required_consensus_count,status,
  current_terms,terms_version,terms_history,acceptances,finalizations,
  negotiation_deadline,finalization_deadline,binding_terms,binding_timestamp,binding_hash,
  content_hash,created_at,updated_at,lock_version
FROM negotiations
WHERE (status IN ('INITIATED','NEGOTIATING') AND negotiation_deadline < $1)
   OR (status = 'CONSENSUS_REACHED' AND finalization_deadline < $1)`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*protocol.Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanNegotiation(row rowScanner) (*protocol.Negotiation, error) {
	var n protocol.Negotiation
	var status string
	var currentTerms, history, acceptances, finalizations, bindingTerms []byte
	err := row.Scan(&n.ID, &n.InitiatorID, &n.ParticipantIDs, &n.JoinedParticipantIDs, &n.RequiredConsensusCount, &status,
		&currentTerms, &n.TermsVersion, &history, &acceptances, &finalizations,
		&n.NegotiationDeadline, &n.FinalizationDeadline, &bindingTerms, &n.BindingTimestamp, &n.BindingHash,
		&n.ContentHash, &n.CreatedAt, &n.UpdatedAt, &n.LockVersion)
	if err != nil {
		return nil, err
	}
	n.Status = protocol.Status(status)
	if err := json.Unmarshal(currentTerms, &n.CurrentTerms); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &n.TermsHistory); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(acceptances, &n.Acceptances); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(finalizations, &n.Finalizations); err != nil {
		return nil, err
	}
	if len(bindingTerms) > 0 {
		if err := json.Unmarshal(bindingTerms, &n.BindingTerms); err != nil {
			return nil, err
		}
	}
	return &n, nil
}

func marshalAggregates(n *protocol.Negotiation) (history, acceptances, finalizations, currentTerms, bindingTerms []byte, err error) {
	if history, err = json.Marshal(n.TermsHistory); err != nil {
		return
	}
	if acceptances, err = json.Marshal(n.Acceptances); err != nil {
		return
	}
	if finalizations, err = json.Marshal(n.Finalizations); err != nil {
		return
	}
	if currentTerms, err = json.Marshal(n.CurrentTerms); err != nil {
		return
	}
	if n.BindingTerms != nil {
		bindingTerms, err = json.Marshal(n.BindingTerms)
	}
	return
}

// LatestEventHash returns the content hash of the most recent trust event
// involving either party, or "" for a fresh lineage.
func (s *Store) LatestEventHash(ctx context.Context, partyA, partyB string) (string, error) {
	parties := []string{partyA, partyB}
	var hash string
	err := s.DB.QueryRow(ctx, `
SELECT content_hash FROM trust_events
WHERE actor_id = ANY($1) OR subject_id = ANY($1)
ORDER BY created_at DESC, id DESC LIMIT 1`, parties).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// CreateDisputeRecords writes the trust event and its appeal in one
// transaction; a dangling event without an appeal is a consistency fault.
func (s *Store) CreateDisputeRecords(ctx context.Context, ev *trust.Event, ap *trust.Appeal) error {
	evContext, err := json.Marshal(ev.Context)
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(ap.Evidence)
	if err != nil {
		return err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO trust_events(id,actor_id,subject_id,event_type,trust_delta,context,reporter_id,content_hash,previous_hash,created_at)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10)`,
		ev.ID, ev.ActorID, ev.SubjectID, string(ev.EventType), ev.TrustDelta, evContext, ev.ReporterID, ev.ContentHash, ev.PreviousHash, ev.CreatedAt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO appeals(id,trust_event_id,appellant_id,status,appeal_reason,evidence,review_deadline,created_at)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8)`,
		ap.ID, ap.TrustEventID, ap.AppellantID, ap.Status, ap.AppealReason, evidence, ap.ReviewDeadline, ap.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetDisputeRecords returns the trust event and appeal attached to a
// disputed negotiation.
func (s *Store) GetDisputeRecords(ctx context.Context, negotiationID string) (*trust.Event, *trust.Appeal, error) {
	var ev trust.Event
	var typ string
	var evContext []byte
	err := s.DB.QueryRow(ctx, `
SELECT id,actor_id,subject_id,event_type,trust_delta,context,reporter_id,content_hash,previous_hash,created_at
FROM trust_events WHERE context->>'negotiation_id' = $1
ORDER BY created_at DESC LIMIT 1`, negotiationID).
		Scan(&ev.ID, &ev.ActorID, &ev.SubjectID, &typ, &ev.TrustDelta, &evContext, &ev.ReporterID, &ev.ContentHash, &ev.PreviousHash, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, protocol.Errf(protocol.KindNotFound, "no dispute recorded for %s", negotiationID)
	}
	if err != nil {
		return nil, nil, err
	}
	ev.EventType = trust.EventType(typ)
	_ = json.Unmarshal(evContext, &ev.Context)

	var ap trust.Appeal
	var evidence []byte
	err = s.DB.QueryRow(ctx, `
SELECT id,trust_event_id,appellant_id,status,appeal_reason,evidence,review_deadline,created_at
FROM appeals WHERE trust_event_id=$1`, ev.ID).
		Scan(&ap.ID, &ap.TrustEventID, &ap.AppellantID, &ap.Status, &ap.AppealReason, &evidence, &ap.ReviewDeadline, &ap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Should be impossible given the dispute transaction.
		return nil, nil, protocol.Errf(protocol.KindConsistencyFault, "trust event %s has no appeal", ev.ID)
	}
	if err != nil {
		return nil, nil, err
	}
	_ = json.Unmarshal(evidence, &ap.Evidence)
	return &ev, &ap, nil
}

// ListTrustEvents returns an identity's lineage, oldest first, so chain
// verification can walk it forward.
func (s *Store) ListTrustEvents(ctx context.Context, actorID string) ([]trust.Event, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id,actor_id,subject_id,event_type,trust_delta,context,reporter_id,content_hash,previous_hash,created_at
FROM trust_events WHERE actor_id=$1 OR subject_id=$1
ORDER BY created_at ASC, id ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trust.Event
	for rows.Next() {
		var ev trust.Event
		var typ string
		var evContext []byte
		if err := rows.Scan(&ev.ID, &ev.ActorID, &ev.SubjectID, &typ, &ev.TrustDelta, &evContext, &ev.ReporterID, &ev.ContentHash, &ev.PreviousHash, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.EventType = trust.EventType(typ)
		_ = json.Unmarshal(evContext, &ev.Context)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountDanglingConflicts detects partial dispute writes: conflict events with
// no appeal. The dispute transaction should keep this at zero.
func (s *Store) CountDanglingConflicts(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRow(ctx, `
SELECT count(*) FROM trust_events te
LEFT JOIN appeals a ON a.trust_event_id = te.id
WHERE te.event_type='CONFLICT' AND a.id IS NULL`).Scan(&count)
	return count, err
}

// RegisterPublicKey stores a participant's base64 ed25519 public key,
// replacing any previous registration.
func (s *Store) RegisterPublicKey(ctx context.Context, actorID, publicKey string) error {
	if _, err := signature.DecodePublicKey(publicKey); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO participant_keys(actor_id,public_key) VALUES($1,$2)
ON CONFLICT (actor_id) DO UPDATE SET public_key=$2`, actorID, publicKey)
	return err
}

// PublicKey implements signature.KeyDirectory.
func (s *Store) PublicKey(ctx context.Context, actorID string) ([]byte, bool, error) {
	var encoded string
	err := s.DB.QueryRow(ctx, `SELECT public_key FROM participant_keys WHERE actor_id=$1`, actorID).Scan(&encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	key, err := signature.DecodePublicKey(encoded)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}
