package protocol

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pactlane/pkg/canonical"
	"pactlane/pkg/signature"
	"pactlane/services/negotiation/internal/trust"
)

// Store is the persistence the protocol consumes. SaveNegotiation must
// compare-and-swap on LockVersion and report a stale read as a
// KindStaleVersion error; a lost update here would silently corrupt the
// consensus count.
type Store interface {
	InsertNegotiation(ctx context.Context, n *Negotiation) error
	GetNegotiation(ctx context.Context, id string) (*Negotiation, error)
	SaveNegotiation(ctx context.Context, n *Negotiation) error
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, negotiationID string) ([]Message, error)
	ListPastDeadline(ctx context.Context, now time.Time) ([]*Negotiation, error)
}

// Disputer hands a disputed binding agreement off to the trust ledger.
type Disputer interface {
	OpenDispute(ctx context.Context, d trust.Dispute) (*trust.Event, *trust.Appeal, error)
}

const (
	DefaultNegotiationTTL  = 72 * time.Hour
	DefaultFinalizationTTL = 24 * time.Hour
)

type Config struct {
	NegotiationTTL  time.Duration
	FinalizationTTL time.Duration

	// RequireSignatures makes acceptance and finalization signatures
	// mandatory instead of opportunistic.
	RequireSignatures bool

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

type Service struct {
	store    Store
	keys     signature.KeyDirectory
	verifier signature.Verifier
	bridge   Disputer
	cfg      Config
	log      logrus.FieldLogger
}

func NewService(store Store, keys signature.KeyDirectory, verifier signature.Verifier, bridge Disputer, cfg Config, log logrus.FieldLogger) *Service {
	if cfg.NegotiationTTL <= 0 {
		cfg.NegotiationTTL = DefaultNegotiationTTL
	}
	if cfg.FinalizationTTL <= 0 {
		cfg.FinalizationTTL = DefaultFinalizationTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: store, keys: keys, verifier: verifier, bridge: bridge, cfg: cfg, log: log}
}

func (s *Service) now() time.Time {
	if s.cfg.Now != nil {
		return s.cfg.Now()
	}
	// timestamptz round-trips at microsecond precision; hashing finer-grained
	// times would not survive a reload.
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Create opens a negotiation in INITIATED with the initiator already joined.
// consensusCount 0 defaults to unanimity; otherwise it must lie between a
// strict majority and the participant count.
func (s *Service) Create(ctx context.Context, initiatorID string, participantIDs []string, terms Terms, consensusCount int) (*Negotiation, error) {
	participants := dedupe(append([]string{initiatorID}, participantIDs...))
	sort.Strings(participants)
	n := len(participants)
	if n < 2 {
		return nil, Errf(KindInvalidConsensusCount, "negotiation requires at least two participants, got %d", n)
	}
	if consensusCount == 0 {
		consensusCount = n
	}
	if maj := Majority(n); consensusCount < maj || consensusCount > n {
		return nil, Errf(KindInvalidConsensusCount, "consensus count %d outside [%d,%d]", consensusCount, maj, n)
	}

	now := s.now()
	neg := &Negotiation{
		ID:                     "neg_" + uuid.NewString(),
		InitiatorID:            initiatorID,
		ParticipantIDs:         participants,
		JoinedParticipantIDs:   []string{initiatorID},
		RequiredConsensusCount: consensusCount,
		Status:                 StatusInitiated,
		CurrentTerms:           terms,
		TermsVersion:           1,
		TermsHistory: []TermsRevision{
			{Version: 1, Terms: terms, ProposedBy: initiatorID, Timestamp: now},
		},
		Acceptances:          map[string]Acceptance{},
		Finalizations:        map[string]Finalization{},
		NegotiationDeadline:  now.Add(s.cfg.NegotiationTTL),
		FinalizationDeadline: now.Add(s.cfg.NegotiationTTL + s.cfg.FinalizationTTL),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	var err error
	if neg.ContentHash, err = contentHash(neg); err != nil {
		return nil, err
	}
	if err := s.store.InsertNegotiation(ctx, neg); err != nil {
		return nil, err
	}
	if err := s.appendMessage(ctx, neg, initiatorID, MessageInitiate, terms, 1, "", "", false, now); err != nil {
		return nil, err
	}
	return neg, nil
}

// Join records a participant's entry. Joining twice is a no-op; the last
// missing participant moves the negotiation to NEGOTIATING.
func (s *Service) Join(ctx context.Context, negotiationID, participantID string) (*Negotiation, error) {
	n, err := s.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if !n.isParticipant(participantID) {
		return nil, Errf(KindNotInvited, "%s is not invited to %s", participantID, n.ID)
	}
	// Idempotence first: a rejoin is a no-op even after the last join moved
	// the negotiation out of INITIATED.
	if n.hasJoined(participantID) {
		return n, nil
	}
	if n.Status != StatusInitiated {
		return nil, Errf(KindWrongStatus, "join requires %s, negotiation is %s", StatusInitiated, n.Status)
	}

	now := s.now()
	n.JoinedParticipantIDs = append(n.JoinedParticipantIDs, participantID)
	if len(n.JoinedParticipantIDs) == len(n.ParticipantIDs) {
		n.Status = StatusNegotiating
	}
	if err := s.commit(ctx, n, now); err != nil {
		return nil, err
	}
	if err := s.appendMessage(ctx, n, participantID, MessageJoin, nil, 0, "", "", false, now); err != nil {
		return nil, err
	}
	return n, nil
}

// Offer proposes new terms, bumping the version and invalidating every prior
// acceptance. The first offer after creation is OFFER; later ones are
// COUNTER_OFFER.
func (s *Service) Offer(ctx context.Context, negotiationID, senderID string, terms Terms, text string) (*Negotiation, error) {
	n, err := s.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if !n.isParticipant(senderID) {
		return nil, Errf(KindNotParticipant, "%s is not a participant of %s", senderID, n.ID)
	}
	if n.Status != StatusNegotiating {
		return nil, Errf(KindWrongStatus, "offer requires %s, negotiation is %s", StatusNegotiating, n.Status)
	}

	now := s.now()
	n.TermsVersion++
	n.CurrentTerms = terms
	n.TermsHistory = append(n.TermsHistory, TermsRevision{
		Version: n.TermsVersion, Terms: terms, ProposedBy: senderID, Timestamp: now,
	})
	n.Acceptances = map[string]Acceptance{}

	msgType := MessageCounterOffer
	if n.TermsVersion == 2 {
		msgType = MessageOffer
	}
	if err := s.commit(ctx, n, now); err != nil {
		return nil, err
	}
	if err := s.appendMessage(ctx, n, senderID, msgType, terms, n.TermsVersion, text, "", false, now); err != nil {
		return nil, err
	}
	return n, nil
}

// Accept records agreement with the current terms version, optionally backed
// by a detached signature over the canonical ACCEPT message. A failed
// verification rejects the acceptance entirely.
func (s *Service) Accept(ctx context.Context, negotiationID, acceptorID, sig, text string) (*Negotiation, error) {
	n, err := s.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if !n.isParticipant(acceptorID) {
		return nil, Errf(KindNotParticipant, "%s is not a participant of %s", acceptorID, n.ID)
	}
	if n.Status != StatusNegotiating {
		return nil, Errf(KindWrongStatus, "accept requires %s, negotiation is %s", StatusNegotiating, n.Status)
	}
	verified, err := s.verifySignature(ctx, n, acceptorID, sig, "ACCEPT", n.CurrentTerms)
	if err != nil {
		return nil, err
	}

	now := s.now()
	n.Acceptances[acceptorID] = Acceptance{
		Version: n.TermsVersion, Timestamp: now, Signature: sig, SignatureVerified: verified,
	}
	if HasConsensus(n) {
		n.Status = StatusConsensusReached
	}
	if err := s.commit(ctx, n, now); err != nil {
		return nil, err
	}
	if err := s.appendMessage(ctx, n, acceptorID, MessageAccept, nil, n.TermsVersion, text, sig, verified, now); err != nil {
		return nil, err
	}
	return n, nil
}

// Finalize records a participant's commitment after consensus. Once every
// participant has finalized, the agreement freezes: binding terms, timestamp,
// and the binding hash are set exactly once.
func (s *Service) Finalize(ctx context.Context, negotiationID, finalizerID, sig string) (*Negotiation, error) {
	n, err := s.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if !n.isParticipant(finalizerID) {
		return nil, Errf(KindNotParticipant, "%s is not a participant of %s", finalizerID, n.ID)
	}
	if n.Status != StatusConsensusReached {
		return nil, Errf(KindWrongStatus, "finalize requires %s, negotiation is %s", StatusConsensusReached, n.Status)
	}
	verified, err := s.verifySignature(ctx, n, finalizerID, sig, "FINALIZE", n.CurrentTerms)
	if err != nil {
		return nil, err
	}

	now := s.now()
	n.Finalizations[finalizerID] = Finalization{
		Timestamp: now, Signature: sig, SignatureVerified: verified,
	}
	if allFinalized(n) {
		n.Status = StatusBinding
		n.BindingTerms = n.CurrentTerms
		ts := now
		n.BindingTimestamp = &ts
		if n.BindingHash, err = BindingHash(n, now); err != nil {
			return nil, err
		}
	}
	if err := s.commit(ctx, n, now); err != nil {
		return nil, err
	}
	if err := s.appendMessage(ctx, n, finalizerID, MessageFinalize, nil, n.TermsVersion, "", sig, verified, now); err != nil {
		return nil, err
	}
	return n, nil
}

// Withdraw terminates a negotiation before it becomes binding. Binding
// agreements have no exit except dispute.
func (s *Service) Withdraw(ctx context.Context, negotiationID, withdrawerID, reason string) (*Negotiation, error) {
	n, err := s.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if !n.isParticipant(withdrawerID) {
		return nil, Errf(KindNotParticipant, "%s is not a participant of %s", withdrawerID, n.ID)
	}
	if n.Status == StatusBinding {
		return nil, Errf(KindCannotWithdrawBinding, "binding agreements can only be disputed")
	}
	switch n.Status {
	case StatusInitiated, StatusNegotiating, StatusConsensusReached:
	default:
		return nil, Errf(KindWrongStatus, "withdraw not allowed from %s", n.Status)
	}

	now := s.now()
	n.Status = StatusTerminated
	if err := s.commit(ctx, n, now); err != nil {
		return nil, err
	}
	if err := s.appendMessage(ctx, n, withdrawerID, MessageWithdraw, nil, 0, reason, "", false, now); err != nil {
		return nil, err
	}
	return n, nil
}

// Dispute is the only exit from BINDING. It hands off to the trust ledger:
// one chained CONFLICT trust event plus one pending appeal, atomically.
func (s *Service) Dispute(ctx context.Context, negotiationID, disputerID, reason string) (*Negotiation, *trust.Event, *trust.Appeal, error) {
	n, err := s.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !n.isParticipant(disputerID) {
		return nil, nil, nil, Errf(KindNotParticipant, "%s is not a participant of %s", disputerID, n.ID)
	}
	if n.Status != StatusBinding {
		return nil, nil, nil, Errf(KindWrongStatus, "dispute requires %s, negotiation is %s", StatusBinding, n.Status)
	}

	now := s.now()
	ev, ap, err := s.bridge.OpenDispute(ctx, trust.Dispute{
		NegotiationID:  n.ID,
		BindingHash:    n.BindingHash,
		BindingTerms:   n.BindingTerms,
		ParticipantIDs: n.ParticipantIDs,
		DisputerID:     disputerID,
		Reason:         reason,
		At:             now,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	n.Status = StatusDisputed
	if err := s.commit(ctx, n, now); err != nil {
		return nil, nil, nil, err
	}
	if err := s.appendMessage(ctx, n, disputerID, MessageDispute, nil, 0, reason, "", false, now); err != nil {
		return nil, nil, nil, err
	}
	return n, ev, ap, nil
}

func (s *Service) Get(ctx context.Context, negotiationID string) (*Negotiation, error) {
	return s.store.GetNegotiation(ctx, negotiationID)
}

func (s *Service) Messages(ctx context.Context, negotiationID string) ([]Message, error) {
	return s.store.ListMessages(ctx, negotiationID)
}

// SweepTimeouts forces every negotiation past its deadline to EXPIRED.
// Per-negotiation failures are logged and skipped; a CAS miss just means a
// user operation won the race.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.store.ListPastDeadline(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, n := range stale {
		if !pastDeadline(n, now) {
			continue
		}
		n.Status = StatusExpired
		if err := s.commit(ctx, n, now); err != nil {
			s.log.WithField("negotiation_id", n.ID).WithError(err).Warn("sweep: expire failed, skipping")
			continue
		}
		expired++
	}
	return expired, nil
}

func pastDeadline(n *Negotiation, now time.Time) bool {
	switch n.Status {
	case StatusInitiated, StatusNegotiating:
		return now.After(n.NegotiationDeadline)
	case StatusConsensusReached:
		return now.After(n.FinalizationDeadline)
	}
	return false
}

// verifySignature applies the signature policy for accept/finalize. An empty
// signature is allowed unless RequireSignatures is set; a supplied signature
// must resolve a registered key and verify, or the whole operation fails.
func (s *Service) verifySignature(ctx context.Context, n *Negotiation, actorID, sig, action string, terms Terms) (bool, error) {
	if sig == "" {
		if s.cfg.RequireSignatures {
			return false, Errf(KindInvalidSignature, "%s requires a signature", action)
		}
		return false, nil
	}
	key, ok, err := s.keys.PublicKey(ctx, actorID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, Errf(KindNoPublicKey, "no registered public key for %s", actorID)
	}
	msg, err := canonical.SigningMessage(action, n.ID, terms, n.TermsVersion)
	if err != nil {
		return false, err
	}
	sigBytes, err := signature.DecodeSignature(sig)
	if err != nil {
		return false, Errf(KindInvalidSignature, "%s signature for %s is malformed", action, actorID)
	}
	if !s.verifier.Verify(key, msg, sigBytes) {
		return false, Errf(KindInvalidSignature, "%s signature for %s failed verification", action, actorID)
	}
	return true, nil
}

// commit rehashes the mutated negotiation and saves it through the store's
// compare-and-swap.
func (s *Service) commit(ctx context.Context, n *Negotiation, now time.Time) error {
	var err error
	if n.ContentHash, err = contentHash(n); err != nil {
		return err
	}
	n.UpdatedAt = now
	return s.store.SaveNegotiation(ctx, n)
}

func (s *Service) appendMessage(ctx context.Context, n *Negotiation, senderID string, typ MessageType, terms Terms, termsVersion int, text, sig string, verified bool, now time.Time) error {
	m := &Message{
		ID:                "msg_" + uuid.NewString(),
		NegotiationID:     n.ID,
		SenderID:          senderID,
		Type:              typ,
		Terms:             terms,
		TermsVersion:      termsVersion,
		Text:              text,
		Signature:         sig,
		SignatureVerified: verified,
		Timestamp:         now,
	}
	var err error
	if m.ContentHash, err = messageHash(m); err != nil {
		return err
	}
	return s.store.AppendMessage(ctx, m)
}

func allFinalized(n *Negotiation) bool {
	if len(n.Finalizations) < len(n.ParticipantIDs) {
		return false
	}
	for _, p := range n.ParticipantIDs {
		if _, ok := n.Finalizations[p]; !ok {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
