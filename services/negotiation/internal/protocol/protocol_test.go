package protocol

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pactlane/pkg/canonical"
	"pactlane/pkg/signature"
	"pactlane/services/negotiation/internal/trust"
)

// memStore implements Store and trust.Store with compare-and-swap semantics
// matching the Postgres store.
type memStore struct {
	negotiations map[string]*Negotiation
	messages     []Message
	events       []trust.Event
	appeals      []trust.Appeal

	failSaveFor      map[string]bool
	failDisputeWrite bool
}

func newMemStore() *memStore {
	return &memStore{negotiations: map[string]*Negotiation{}, failSaveFor: map[string]bool{}}
}

func cloneNegotiation(n *Negotiation) *Negotiation {
	b, _ := json.Marshal(n)
	var out Negotiation
	_ = json.Unmarshal(b, &out)
	out.LockVersion = n.LockVersion
	return &out
}

func (m *memStore) InsertNegotiation(ctx context.Context, n *Negotiation) error {
	m.negotiations[n.ID] = cloneNegotiation(n)
	return nil
}

func (m *memStore) GetNegotiation(ctx context.Context, id string) (*Negotiation, error) {
	n, ok := m.negotiations[id]
	if !ok {
		return nil, Errf(KindNotFound, "negotiation %s not found", id)
	}
	return cloneNegotiation(n), nil
}

func (m *memStore) SaveNegotiation(ctx context.Context, n *Negotiation) error {
	if m.failSaveFor[n.ID] {
		return errors.New("save failed")
	}
	cur, ok := m.negotiations[n.ID]
	if !ok {
		return Errf(KindNotFound, "negotiation %s not found", n.ID)
	}
	if cur.LockVersion != n.LockVersion {
		return Errf(KindStaleVersion, "negotiation %s changed concurrently", n.ID)
	}
	n.LockVersion++
	m.negotiations[n.ID] = cloneNegotiation(n)
	return nil
}

func (m *memStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memStore) ListMessages(ctx context.Context, negotiationID string) ([]Message, error) {
	var out []Message
	for _, msg := range m.messages {
		if msg.NegotiationID == negotiationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) ListPastDeadline(ctx context.Context, now time.Time) ([]*Negotiation, error) {
	var out []*Negotiation
	for _, n := range m.negotiations {
		if pastDeadline(n, now) {
			out = append(out, cloneNegotiation(n))
		}
	}
	return out, nil
}

func (m *memStore) LatestEventHash(ctx context.Context, partyA, partyB string) (string, error) {
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if ev.ActorID == partyA || ev.ActorID == partyB || ev.SubjectID == partyA || ev.SubjectID == partyB {
			return ev.ContentHash, nil
		}
	}
	return "", nil
}

func (m *memStore) CreateDisputeRecords(ctx context.Context, ev *trust.Event, ap *trust.Appeal) error {
	if m.failDisputeWrite {
		return errors.New("dispute write failed")
	}
	m.events = append(m.events, *ev)
	m.appeals = append(m.appeals, *ap)
	return nil
}

func (m *memStore) countMessages(negotiationID string, typ MessageType) int {
	count := 0
	for _, msg := range m.messages {
		if msg.NegotiationID == negotiationID && msg.Type == typ {
			count++
		}
	}
	return count
}

type memKeys map[string][]byte

func (m memKeys) PublicKey(ctx context.Context, actorID string) ([]byte, bool, error) {
	key, ok := m[actorID]
	return key, ok, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store *memStore
	keys  memKeys
	clock *fakeClock
	svc   *Service
}

func newFixture(cfg Config) *fixture {
	st := newMemStore()
	keys := memKeys{}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cfg.Now = clock.now
	svc := NewService(st, keys, signature.Ed25519{}, trust.NewBridge(st), cfg, nil)
	return &fixture{store: st, keys: keys, clock: clock, svc: svc}
}

func mustCreate(t *testing.T, f *fixture, initiator string, participants []string, consensusCount int) *Negotiation {
	t.Helper()
	n, err := f.svc.Create(context.Background(), initiator, participants, Terms{"price": 100}, consensusCount)
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	return n
}

func mustJoinAll(t *testing.T, f *fixture, n *Negotiation) *Negotiation {
	t.Helper()
	out := n
	for _, p := range n.ParticipantIDs {
		if p == n.InitiatorID {
			continue
		}
		var err error
		out, err = f.svc.Join(context.Background(), n.ID, p)
		if err != nil {
			t.Fatalf("Join(%s) err: %v", p, err)
		}
	}
	return out
}

func TestCreateDefaultsAndGuards(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	// Initiator is auto-added; default threshold is unanimity.
	n := mustCreate(t, f, "alice", []string{"bob", "carol"}, 0)
	if len(n.ParticipantIDs) != 3 {
		t.Fatalf("expected 3 participants, got %v", n.ParticipantIDs)
	}
	if n.RequiredConsensusCount != 3 {
		t.Fatalf("expected default consensus count 3, got %d", n.RequiredConsensusCount)
	}
	if n.Status != StatusInitiated || n.TermsVersion != 1 {
		t.Fatalf("unexpected initial state: %s v%d", n.Status, n.TermsVersion)
	}
	if len(n.JoinedParticipantIDs) != 1 || n.JoinedParticipantIDs[0] != "alice" {
		t.Fatalf("expected only initiator joined, got %v", n.JoinedParticipantIDs)
	}
	if n.ContentHash == "" {
		t.Fatalf("expected content hash at creation")
	}
	if f.store.countMessages(n.ID, MessageInitiate) != 1 {
		t.Fatalf("expected one INITIATE message")
	}

	// Threshold bounds: majority of 3 is 2.
	if _, err := f.svc.Create(ctx, "alice", []string{"bob", "carol"}, Terms{"price": 100}, 1); !IsKind(err, KindInvalidConsensusCount) {
		t.Fatalf("expected INVALID_CONSENSUS_COUNT for sub-majority, got %v", err)
	}
	if _, err := f.svc.Create(ctx, "alice", []string{"bob", "carol"}, Terms{"price": 100}, 4); !IsKind(err, KindInvalidConsensusCount) {
		t.Fatalf("expected INVALID_CONSENSUS_COUNT above n, got %v", err)
	}
	if _, err := f.svc.Create(ctx, "alice", nil, Terms{"price": 100}, 0); !IsKind(err, KindInvalidConsensusCount) {
		t.Fatalf("expected error for single-party negotiation, got %v", err)
	}
}

func TestJoinTransitionsAndIdempotence(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	n := mustCreate(t, f, "alice", []string{"bob", "carol"}, 0)

	if _, err := f.svc.Join(ctx, n.ID, "mallory"); !IsKind(err, KindNotInvited) {
		t.Fatalf("expected NOT_INVITED, got %v", err)
	}

	n2, err := f.svc.Join(ctx, n.ID, "bob")
	if err != nil {
		t.Fatalf("Join err: %v", err)
	}
	if n2.Status != StatusInitiated {
		t.Fatalf("expected INITIATED until all joined, got %s", n2.Status)
	}

	// Second join is a no-op: same state, no extra JOIN message.
	hashBefore := n2.ContentHash
	n3, err := f.svc.Join(ctx, n.ID, "bob")
	if err != nil {
		t.Fatalf("idempotent Join err: %v", err)
	}
	if n3.ContentHash != hashBefore {
		t.Fatalf("idempotent join changed state")
	}
	if got := f.store.countMessages(n.ID, MessageJoin); got != 1 {
		t.Fatalf("expected 1 JOIN message, got %d", got)
	}

	n4, err := f.svc.Join(ctx, n.ID, "carol")
	if err != nil {
		t.Fatalf("Join err: %v", err)
	}
	if n4.Status != StatusNegotiating {
		t.Fatalf("expected NEGOTIATING after last join, got %s", n4.Status)
	}

	// Rejoining after the transition is still a quiet no-op.
	n5, err := f.svc.Join(ctx, n.ID, "carol")
	if err != nil {
		t.Fatalf("rejoin after NEGOTIATING err: %v", err)
	}
	if n5.Status != StatusNegotiating {
		t.Fatalf("rejoin changed status: %s", n5.Status)
	}
	if got := f.store.countMessages(n.ID, MessageJoin); got != 2 {
		t.Fatalf("expected 2 JOIN messages total, got %d", got)
	}
}

func TestOfferBumpsVersionAndClearsAcceptances(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	n := mustJoinAll(t, f, mustCreate(t, f, "alice", []string{"bob", "carol"}, 0))

	if _, err := f.svc.Accept(ctx, n.ID, "alice", "", ""); err != nil {
		t.Fatalf("Accept err: %v", err)
	}
	if _, err := f.svc.Accept(ctx, n.ID, "bob", "", ""); err != nil {
		t.Fatalf("Accept err: %v", err)
	}

	// Scenario B: a new offer invalidates both recorded acceptances.
	n2, err := f.svc.Offer(ctx, n.ID, "carol", Terms{"price": 90}, "lower price")
	if err != nil {
		t.Fatalf("Offer err: %v", err)
	}
	if n2.TermsVersion != 2 {
		t.Fatalf("expected version 2, got %d", n2.TermsVersion)
	}
	if len(n2.Acceptances) != 0 {
		t.Fatalf("expected acceptances cleared, got %v", n2.Acceptances)
	}
	if len(n2.TermsHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(n2.TermsHistory))
	}
	if f.store.countMessages(n.ID, MessageOffer) != 1 {
		t.Fatalf("expected first re-offer to be OFFER")
	}

	n3, err := f.svc.Offer(ctx, n.ID, "bob", Terms{"price": 95}, "")
	if err != nil {
		t.Fatalf("Offer err: %v", err)
	}
	if n3.TermsVersion != 3 {
		t.Fatalf("terms version must grow monotonically, got %d", n3.TermsVersion)
	}
	if f.store.countMessages(n.ID, MessageCounterOffer) != 1 {
		t.Fatalf("expected second re-offer to be COUNTER_OFFER")
	}

	if _, err := f.svc.Offer(ctx, n.ID, "mallory", Terms{"price": 1}, ""); !IsKind(err, KindNotParticipant) {
		t.Fatalf("expected NOT_PARTICIPANT, got %v", err)
	}
}

func TestConsensusUnanimity(t *testing.T) {
	// Scenario A: default threshold of 3, consensus on the third accept.
	f := newFixture(Config{})
	ctx := context.Background()
	n := mustJoinAll(t, f, mustCreate(t, f, "alice", []string{"bob", "carol"}, 0))

	n1, _ := f.svc.Accept(ctx, n.ID, "alice", "", "")
	n2, _ := f.svc.Accept(ctx, n.ID, "bob", "", "")
	if n1.Status != StatusNegotiating || n2.Status != StatusNegotiating {
		t.Fatalf("expected NEGOTIATING before threshold")
	}
	n3, err := f.svc.Accept(ctx, n.ID, "carol", "", "")
	if err != nil {
		t.Fatalf("Accept err: %v", err)
	}
	if n3.Status != StatusConsensusReached {
		t.Fatalf("expected CONSENSUS_REACHED, got %s", n3.Status)
	}
}

func TestConsensusMajorityThreshold(t *testing.T) {
	// Scenario C: 2 of 3 suffices when configured.
	f := newFixture(Config{})
	ctx := context.Background()
	n := mustJoinAll(t, f, mustCreate(t, f, "alice", []string{"bob", "carol"}, 2))

	if _, err := f.svc.Accept(ctx, n.ID, "alice", "", ""); err != nil {
		t.Fatalf("Accept err: %v", err)
	}
	n2, err := f.svc.Accept(ctx, n.ID, "bob", "", "")
	if err != nil {
		t.Fatalf("Accept err: %v", err)
	}
	if n2.Status != StatusConsensusReached {
		t.Fatalf("expected CONSENSUS_REACHED at threshold 2, got %s", n2.Status)
	}
}

func signAccept(t *testing.T, priv ed25519.PrivateKey, n *Negotiation) string {
	t.Helper()
	msg, err := canonical.SigningMessage("ACCEPT", n.ID, n.CurrentTerms, n.TermsVersion)
	if err != nil {
		t.Fatalf("SigningMessage err: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
}

func TestAcceptSignatureVerification(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	f.keys["bob"] = pub

	n := mustJoinAll(t, f, mustCreate(t, f, "alice", []string{"bob", "carol"}, 0))

	// Scenario E: a failing signature rejects the acceptance entirely.
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	bad := signAccept(t, otherPriv, n)
	if _, err := f.svc.Accept(ctx, n.ID, "bob", bad, ""); !IsKind(err, KindInvalidSignature) {
		t.Fatalf("expected INVALID_SIGNATURE, got %v", err)
	}
	cur, _ := f.svc.Get(ctx, n.ID)
	if _, ok := cur.Acceptances["bob"]; ok {
		t.Fatalf("failed signature must not leave a partial acceptance")
	}

	// Signature from an actor with no registered key is a hard error.
	if _, err := f.svc.Accept(ctx, n.ID, "carol", bad, ""); !IsKind(err, KindNoPublicKey) {
		t.Fatalf("expected NO_PUBLIC_KEY, got %v", err)
	}

	good := signAccept(t, priv, n)
	n2, err := f.svc.Accept(ctx, n.ID, "bob", good, "")
	if err != nil {
		t.Fatalf("Accept with valid signature err: %v", err)
	}
	a := n2.Acceptances["bob"]
	if !a.SignatureVerified || a.Version != n2.TermsVersion {
		t.Fatalf("unexpected acceptance record: %+v", a)
	}
}

func TestRequireSignaturesPolicy(t *testing.T) {
	f := newFixture(Config{RequireSignatures: true})
	ctx := context.Background()
	n := mustJoinAll(t, f, mustCreate(t, f, "alice", []string{"bob"}, 0))

	if _, err := f.svc.Accept(ctx, n.ID, "bob", "", ""); !IsKind(err, KindInvalidSignature) {
		t.Fatalf("expected INVALID_SIGNATURE for missing mandatory signature, got %v", err)
	}
}

func TestFinalizeToBindingAndHashStability(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	n := mustJoinAll(t, f, mustCreate(t, f, "alice", []string{"bob"}, 0))

	if _, err := f.svc.Finalize(ctx, n.ID, "alice", ""); !IsKind(err, KindWrongStatus) {
		t.Fatalf("expected WRONG_STATUS before consensus, got %v", err)
	}

	f.svc.Accept(ctx, n.ID, "alice", "", "")
	n2, _ := f.svc.Accept(ctx, n.ID, "bob", "", "")
	if n2.Status != StatusConsensusReached {
		t.Fatalf("expected CONSENSUS_REACHED, got %s", n2.Status)
	}

	n3, err := f.svc.Finalize(ctx, n.ID, "alice", "")
	if err != nil {
		t.Fatalf("Finalize err: %v", err)
	}
	if n3.Status != StatusConsensusReached || n3.BindingHash != "" {
		t.Fatalf("binding must wait for all finalizations")
	}

	n4, err := f.svc.Finalize(ctx, n.ID, "bob", "")
	if err != nil {
		t.Fatalf("Finalize err: %v", err)
	}
	if n4.Status != StatusBinding {
		t.Fatalf("expected BINDING, got %s", n4.Status)
	}
	if n4.BindingHash == "" || n4.BindingTimestamp == nil || n4.BindingTerms == nil {
		t.Fatalf("binding fields not frozen: %+v", n4)
	}

	// Round-trip: recomputing from the frozen snapshot yields the same hash.
	reloaded, _ := f.svc.Get(ctx, n.ID)
	recomputed, err := BindingHash(reloaded, *reloaded.BindingTimestamp)
	if err != nil {
		t.Fatalf("BindingHash err: %v", err)
	}
	if recomputed != n4.BindingHash {
		t.Fatalf("binding hash unstable: stored %s recomputed %s", n4.BindingHash, recomputed)
	}
}

func TestWithdrawGuards(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	n := mustJoinAll(t, f, mustCreate(t, f, "alice", []string{"bob"}, 0))

	n2, err := f.svc.Withdraw(ctx, n.ID, "bob", "changed my mind")
	if err != nil {
		t.Fatalf("Withdraw err: %v", err)
	}
	if n2.Status != StatusTerminated {
		t.Fatalf("expected TERMINATED, got %s", n2.Status)
	}

	if _, err := f.svc.Withdraw(ctx, n.ID, "bob", "again"); !IsKind(err, KindWrongStatus) {
		t.Fatalf("expected WRONG_STATUS from terminal state, got %v", err)
	}
}

func bindNegotiation(t *testing.T, f *fixture, participants []string) *Negotiation {
	t.Helper()
	ctx := context.Background()
	n := mustJoinAll(t, f, mustCreate(t, f, participants[0], participants[1:], 0))
	for _, p := range n.ParticipantIDs {
		if _, err := f.svc.Accept(ctx, n.ID, p, "", ""); err != nil {
			t.Fatalf("Accept(%s) err: %v", p, err)
		}
	}
	var err error
	for _, p := range n.ParticipantIDs {
		if n, err = f.svc.Finalize(ctx, n.ID, p, ""); err != nil {
			t.Fatalf("Finalize(%s) err: %v", p, err)
		}
	}
	if n.Status != StatusBinding {
		t.Fatalf("expected BINDING, got %s", n.Status)
	}
	return n
}

func TestDisputeFromBinding(t *testing.T) {
	// Scenario D: withdraw fails on BINDING, dispute succeeds and produces
	// exactly one trust event and one appeal.
	f := newFixture(Config{})
	ctx := context.Background()
	n := bindNegotiation(t, f, []string{"alice", "bob"})

	if _, err := f.svc.Withdraw(ctx, n.ID, "alice", "regret"); !IsKind(err, KindCannotWithdrawBinding) {
		t.Fatalf("expected CANNOT_WITHDRAW_BINDING, got %v", err)
	}

	n2, ev, ap, err := f.svc.Dispute(ctx, n.ID, "alice", "terms misrepresented")
	if err != nil {
		t.Fatalf("Dispute err: %v", err)
	}
	if n2.Status != StatusDisputed {
		t.Fatalf("expected DISPUTED, got %s", n2.Status)
	}
	if len(f.store.events) != 1 || len(f.store.appeals) != 1 {
		t.Fatalf("expected exactly one trust event and one appeal, got %d/%d", len(f.store.events), len(f.store.appeals))
	}
	if ev.SubjectID != "bob" || ev.ActorID != "alice" {
		t.Fatalf("two-party dispute must target the counterparty: %+v", ev)
	}
	if ev.PreviousHash != "" {
		t.Fatalf("first event in lineage must have empty previous hash")
	}
	if ev.TrustDelta >= 0 {
		t.Fatalf("conflict delta must be negative, got %v", ev.TrustDelta)
	}
	if ap.TrustEventID != ev.ID || ap.Status != trust.AppealPending {
		t.Fatalf("appeal not linked to event: %+v", ap)
	}
	wantDeadline := f.clock.t.Add(trust.AppealReviewPeriod)
	if !ap.ReviewDeadline.Equal(wantDeadline) {
		t.Fatalf("expected 7-day review deadline, got %v", ap.ReviewDeadline)
	}

	// Disputing twice is a wrong-status error; DISPUTED is terminal here.
	if _, _, _, err := f.svc.Dispute(ctx, n.ID, "alice", "again"); !IsKind(err, KindWrongStatus) {
		t.Fatalf("expected WRONG_STATUS, got %v", err)
	}
}

func TestDisputeChainsPerIdentity(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	first := bindNegotiation(t, f, []string{"alice", "bob"})
	_, ev1, _, err := f.svc.Dispute(ctx, first.ID, "alice", "first dispute")
	if err != nil {
		t.Fatalf("Dispute err: %v", err)
	}

	second := bindNegotiation(t, f, []string{"alice", "carol"})
	_, ev2, _, err := f.svc.Dispute(ctx, second.ID, "alice", "second dispute")
	if err != nil {
		t.Fatalf("Dispute err: %v", err)
	}
	if ev2.PreviousHash != ev1.ContentHash {
		t.Fatalf("expected second event to chain to first: prev=%s want=%s", ev2.PreviousHash, ev1.ContentHash)
	}
}

func TestDisputeSubjectForMultiParty(t *testing.T) {
	f := newFixture(Config{})
	n := bindNegotiation(t, f, []string{"dave", "bob", "carol"})

	_, ev, _, err := f.svc.Dispute(context.Background(), n.ID, "dave", "unhappy")
	if err != nil {
		t.Fatalf("Dispute err: %v", err)
	}
	if ev.SubjectID != "bob" {
		t.Fatalf("expected first other participant in sorted order, got %s", ev.SubjectID)
	}
}

func TestDisputeAtomicity(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	n := bindNegotiation(t, f, []string{"alice", "bob"})

	f.store.failDisputeWrite = true
	if _, _, _, err := f.svc.Dispute(ctx, n.ID, "alice", "nope"); err == nil {
		t.Fatalf("expected dispute to fail")
	}
	if len(f.store.events) != 0 || len(f.store.appeals) != 0 {
		t.Fatalf("failed dispute must leave no partial records")
	}
	cur, _ := f.svc.Get(ctx, n.ID)
	if cur.Status != StatusBinding {
		t.Fatalf("failed dispute must leave negotiation BINDING, got %s", cur.Status)
	}
}

func TestSweepTimeouts(t *testing.T) {
	f := newFixture(Config{NegotiationTTL: time.Hour, FinalizationTTL: time.Hour})
	ctx := context.Background()

	stuck := mustCreate(t, f, "alice", []string{"bob"}, 0)

	slow := mustJoinAll(t, f, mustCreate(t, f, "carol", []string{"dave"}, 0))
	f.svc.Accept(ctx, slow.ID, "carol", "", "")
	f.svc.Accept(ctx, slow.ID, "dave", "", "")

	bound := bindNegotiation(t, f, []string{"erin", "frank"})

	// Nothing has expired yet.
	expired, err := f.svc.SweepTimeouts(ctx)
	if err != nil || expired != 0 {
		t.Fatalf("expected no expiries, got %d err %v", expired, err)
	}

	// Past the negotiation deadline: the INITIATED one expires; the
	// consensus-reached one still has finalization time left.
	f.clock.advance(90 * time.Minute)
	expired, err = f.svc.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("SweepTimeouts err: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}
	got, _ := f.svc.Get(ctx, stuck.ID)
	if got.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}

	// Past the finalization deadline too.
	f.clock.advance(time.Hour)
	expired, _ = f.svc.SweepTimeouts(ctx)
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}
	got, _ = f.svc.Get(ctx, slow.ID)
	if got.Status != StatusExpired {
		t.Fatalf("expected EXPIRED consensus-reached negotiation, got %s", got.Status)
	}

	// Binding agreements never expire.
	got, _ = f.svc.Get(ctx, bound.ID)
	if got.Status != StatusBinding {
		t.Fatalf("binding negotiation must not expire, got %s", got.Status)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newFixture(Config{NegotiationTTL: time.Hour})
	ctx := context.Background()

	a := mustCreate(t, f, "alice", []string{"bob"}, 0)
	b := mustCreate(t, f, "carol", []string{"dave"}, 0)
	f.store.failSaveFor[a.ID] = true

	f.clock.advance(2 * time.Hour)
	expired, err := f.svc.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("SweepTimeouts err: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected the healthy negotiation to expire, got %d", expired)
	}
	got, _ := f.svc.Get(ctx, b.ID)
	if got.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
}

func TestStaleSaveSurfacesAsStaleVersion(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	n := mustJoinAll(t, f, mustCreate(t, f, "alice", []string{"bob"}, 0))

	// Simulate two racing writers: both load, the first save wins.
	loaded, _ := f.store.GetNegotiation(ctx, n.ID)
	if _, err := f.svc.Accept(ctx, n.ID, "alice", "", ""); err != nil {
		t.Fatalf("Accept err: %v", err)
	}
	loaded.Status = StatusTerminated
	err := f.store.SaveNegotiation(ctx, loaded)
	if !IsKind(err, KindStaleVersion) {
		t.Fatalf("expected STALE_VERSION, got %v", err)
	}
}
