package protocol

import (
	"sort"
	"time"

	"pactlane/pkg/hashchain"
)

// contentHash fingerprints the negotiation's mutable state. The field subset
// is fixed: never the hash itself, never volatile bookkeeping like UpdatedAt
// or LockVersion.
func contentHash(n *Negotiation) (string, error) {
	return hashchain.Sum(map[string]any{
		"id":                       n.ID,
		"initiator_id":             n.InitiatorID,
		"participant_ids":          sortedCopy(n.ParticipantIDs),
		"joined_participant_ids":   sortedCopy(n.JoinedParticipantIDs),
		"required_consensus_count": n.RequiredConsensusCount,
		"status":                   string(n.Status),
		"current_terms":            n.CurrentTerms,
		"terms_version":            n.TermsVersion,
		"acceptances":              acceptancesMap(n.Acceptances),
		"finalizations":            finalizationsMap(n.Finalizations),
		"binding_hash":             n.BindingHash,
	})
}

// BindingHash is the durable proof of the agreement, computed exactly once on
// the transition to BINDING and recomputable from the frozen snapshot.
func BindingHash(n *Negotiation, at time.Time) (string, error) {
	return hashchain.Sum(map[string]any{
		"negotiation_id":  n.ID,
		"final_terms":     n.BindingTerms,
		"terms_version":   n.TermsVersion,
		"participant_ids": sortedCopy(n.ParticipantIDs),
		"acceptances":     acceptancesMap(n.Acceptances),
		"finalizations":   finalizationsMap(n.Finalizations),
		"timestamp":       at,
	})
}

func messageHash(m *Message) (string, error) {
	return hashchain.Sum(map[string]any{
		"negotiation_id": m.NegotiationID,
		"sender_id":      m.SenderID,
		"type":           string(m.Type),
		"terms":          m.Terms,
		"terms_version":  m.TermsVersion,
		"text":           m.Text,
		"timestamp":      m.Timestamp,
	})
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func acceptancesMap(in map[string]Acceptance) map[string]any {
	out := make(map[string]any, len(in))
	for id, a := range in {
		out[id] = map[string]any{
			"version":            a.Version,
			"timestamp":          a.Timestamp,
			"signature":          a.Signature,
			"signature_verified": a.SignatureVerified,
		}
	}
	return out
}

func finalizationsMap(in map[string]Finalization) map[string]any {
	out := make(map[string]any, len(in))
	for id, f := range in {
		out[id] = map[string]any{
			"timestamp":          f.Timestamp,
			"signature":          f.Signature,
			"signature_verified": f.SignatureVerified,
		}
	}
	return out
}
