package protocol

// Majority returns the smallest count that is a strict majority of n.
func Majority(n int) int { return n/2 + 1 }

// HasConsensus reports whether the negotiating phase is complete: at least
// RequiredConsensusCount acceptances, all at the current terms version. Offers
// clear stale acceptances, so the version check is a defensive invariant
// rather than the sole guard.
func HasConsensus(n *Negotiation) bool {
	if len(n.Acceptances) < n.RequiredConsensusCount {
		return false
	}
	for _, a := range n.Acceptances {
		if a.Version != n.TermsVersion {
			return false
		}
	}
	return true
}
