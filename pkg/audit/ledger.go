// Package audit implements the tamper-evident audit ledger: an append-only
// JSONL file in which each entry is hash-chained to its predecessor. An
// optional HMAC continuity key detects out-of-band rewrites even when the
// attacker recomputes the whole chain. The ledger is the only globally
// serialized shared resource in the system; every mutating operation passes
// through it.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/earcrawler/earcrawler/pkg/canonicalize"
	"github.com/earcrawler/earcrawler/pkg/redact"
)

// Event kinds required by the run scopes in the external contract.
const (
	EventRunStarted        = "run_started"
	EventRunFailed         = "run_failed"
	EventSnapshotSelected  = "snapshot_selected"
	EventIndexSelected     = "index_selected"
	EventRemoteLLMDecision = "remote_llm_policy_decision"
	EventQueryAnswered     = "query_answered"
	EventQueryRefused      = "query_refused"
	EventPolicyDecision    = "policy_decision"
	EventGateFailed        = "gate_failed"
	EventGCReport          = "gc_report"
	EventLedgerRotated     = "ledger_rotated"
)

// genesisHash seeds the chain of a fresh ledger file.
const genesisHash = "genesis"

// Entry is one immutable ledger record. EntryHash covers the canonical JSON
// of the record minus entry_hash and hmac, prefixed with the previous hash.
type Entry struct {
	Seq       uint64         `json:"seq"`
	TS        time.Time      `json:"ts"`
	Actor     string         `json:"actor"`
	Roles     []string       `json:"roles"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
	HMAC      string         `json:"hmac,omitempty"`
}

// body is the hashed portion of an entry.
type body struct {
	Seq      uint64         `json:"seq"`
	TS       time.Time      `json:"ts"`
	Actor    string         `json:"actor"`
	Roles    []string       `json:"roles"`
	Event    string         `json:"event"`
	Payload  map[string]any `json:"payload,omitempty"`
	PrevHash string         `json:"prev_hash"`
}

// Ledger is a file-backed append-only audit log. Appends are serialized
// through a single mutex and strictly monotonic in seq.
type Ledger struct {
	mu       sync.Mutex
	path     string
	seq      uint64
	headHash string
	key      []byte // continuity key; nil disables HMAC
	clock    func() time.Time
}

// Open opens (or creates) the ledger at path and recovers the chain head
// from the last line. A non-nil continuity key enables HMAC emission.
func Open(path string, continuityKey []byte) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: create ledger dir: %w", err)
	}
	l := &Ledger{
		path:     path,
		headHash: genesisHash,
		key:      continuityKey,
		clock:    func() time.Time { return time.Now().UTC() },
	}

	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Seq
		l.headHash = entries[n-1].EntryHash
	}
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append records an event. The payload is redacted before hashing so the
// chain covers exactly the bytes on disk. Returns the assigned sequence.
func (l *Ledger) Append(actor string, roles []string, event string, payload map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Seq:      l.seq + 1,
		TS:       l.clock(),
		Actor:    actor,
		Roles:    roles,
		Event:    event,
		Payload:  redact.Map(payload),
		PrevHash: l.headHash,
	}

	hash, err := hashEntry(entry)
	if err != nil {
		return 0, err
	}
	entry.EntryHash = hash
	if l.key != nil {
		entry.HMAC = computeHMAC(l.key, hash)
	}

	if err := appendLine(l.path, entry); err != nil {
		return 0, err
	}

	l.seq = entry.Seq
	l.headHash = entry.EntryHash
	return entry.Seq, nil
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// Seq returns the last assigned sequence number.
func (l *Ledger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Rotate seals the current file with a terminal link entry, renames it with
// a timestamp suffix, and starts a fresh chain whose genesis carries the
// sealed head. Returns the sealed file path.
func (l *Ledger) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sealed := Entry{
		Seq:      l.seq + 1,
		TS:       l.clock(),
		Actor:    "system",
		Roles:    []string{"admin"},
		Event:    EventLedgerRotated,
		Payload:  map[string]any{"rotation_id": uuid.New().String()},
		PrevHash: l.headHash,
	}
	hash, err := hashEntry(sealed)
	if err != nil {
		return "", err
	}
	sealed.EntryHash = hash
	if l.key != nil {
		sealed.HMAC = computeHMAC(l.key, hash)
	}
	if err := appendLine(l.path, sealed); err != nil {
		return "", err
	}

	sealedPath := fmt.Sprintf("%s.%s", l.path, l.clock().Format("20060102T150405Z"))
	if err := os.Rename(l.path, sealedPath); err != nil {
		return "", fmt.Errorf("audit: rotate rename: %w", err)
	}

	l.seq = 0
	l.headHash = genesisHash
	return sealedPath, nil
}

// hashEntry computes sha256(prev_hash || jcs(body)) as lowercase hex.
func hashEntry(e Entry) (string, error) {
	canonical, err := canonicalize.JCS(body{
		Seq:      e.Seq,
		TS:       e.TS,
		Actor:    e.Actor,
		Roles:    e.Roles,
		Event:    e.Event,
		Payload:  e.Payload,
		PrevHash: e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func computeHMAC(key []byte, entryHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(entryHash))
	return hex.EncodeToString(mac.Sum(nil))
}

func appendLine(path string, e Entry) error {
	line, err := canonicalize.JCS(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("audit: open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return f.Sync()
}
