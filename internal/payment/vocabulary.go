package payment

import "strings"

// Vocabulary maps provider status strings (lower-cased, trimmed) onto the
// canonical Status.
type Vocabulary map[string]Status

// sharedVocabulary holds synonyms every provider has been seen to send.
var sharedVocabulary = Vocabulary{
	"paid":      StatusPaid,
	"approved":  StatusPaid,
	"completed": StatusPaid,
	"confirmed": StatusPaid,
	"paid_out":  StatusPaid,
	"canceled":  StatusCanceled,
	"cancelled": StatusCanceled,
	"failed":    StatusCanceled,
	"refused":   StatusCanceled,
	"expired":   StatusExpired,
}

// extendVocabulary returns the shared table plus extra entries.
func extendVocabulary(extra Vocabulary) Vocabulary {
	out := make(Vocabulary, len(sharedVocabulary)+len(extra))
	for k, v := range sharedVocabulary {
		out[k] = v
	}
	for k, v := range extra {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Normalise resolves raw against the table. paidProof is a provider signal
// that payment happened (e.g. a paidAt timestamp); it upgrades unknown and
// non-terminal statuses to Paid but does not override an explicit canceled
// or expired. Unknown strings without proof resolve to Pending.
func (v Vocabulary) Normalise(raw string, paidProof bool) Status {
	status, known := v[strings.ToLower(strings.TrimSpace(raw))]
	switch {
	case known && status.Terminal():
		return status
	case paidProof:
		return StatusPaid
	case known:
		return status
	default:
		return StatusPending
	}
}

// Known reports whether raw is in the table.
func (v Vocabulary) Known(raw string) bool {
	_, ok := v[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}
