package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

// RunScope names the event-kind contract a run must satisfy.
type RunScope string

const (
	ScopeCIEval   RunScope = "ci_eval"
	ScopeLocalDev RunScope = "local_dev"
	ScopeOperator RunScope = "operator"
)

// requiredEvents lists the kinds each scope must emit before a terminal
// query_answered or query_refused.
var requiredEvents = map[RunScope][]string{
	ScopeCIEval: {
		EventRunStarted,
		EventSnapshotSelected,
		EventIndexSelected,
		EventRemoteLLMDecision,
	},
	ScopeLocalDev: {
		EventRunStarted,
		EventRemoteLLMDecision,
	},
	ScopeOperator: {
		EventRunStarted,
		EventSnapshotSelected,
		EventIndexSelected,
		EventRemoteLLMDecision,
	},
}

// CheckScope verifies that entries satisfy the scope's event contract:
// every required kind present plus a terminal answered/refused event.
// Returns the missing kinds, empty when satisfied.
func CheckScope(scope RunScope, entries []Entry) []string {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.Event] = true
	}

	var missing []string
	for _, kind := range requiredEvents[scope] {
		if !seen[kind] {
			missing = append(missing, kind)
		}
	}
	if !seen[EventQueryAnswered] && !seen[EventQueryRefused] {
		missing = append(missing, EventQueryAnswered+"|"+EventQueryRefused)
	}
	return missing
}

// DeriveContinuityKey derives the 32-byte HMAC continuity key from a master
// secret with HKDF-SHA256. The derived key is stored separately from the
// ledger so chain recomputation alone cannot forge continuity.
func DeriveContinuityKey(master []byte) ([]byte, error) {
	salt := sha256.Sum256([]byte("earcrawler/audit/continuity/v1"))
	r := hkdf.New(sha256.New, master, salt[:], []byte("ledger-hmac"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KeyFingerprint returns a short hex fingerprint for logging which
// continuity key is active without revealing it.
func KeyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}
