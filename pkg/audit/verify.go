package audit

import (
	"bufio"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"os"
)

// Verification failure reasons.
const (
	ReasonMalformedEntry    = "malformed_entry"
	ReasonSeqGap            = "seq_gap"
	ReasonChainHashMismatch = "chain_hash_mismatch"
	ReasonHMACMismatch      = "hmac_mismatch"
)

// Report is the result of walking a ledger file.
type Report struct {
	OK      bool   `json:"ok"`
	Entries int    `json:"entries"`
	Line    int    `json:"line,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Verify walks the ledger file and reports the first broken line (1-based)
// with a reason. A nil continuity key skips HMAC checks.
func Verify(path string, continuityKey []byte) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open ledger: %w", err)
	}
	defer f.Close()

	report := &Report{OK: true}
	prevHash := genesisHash
	var prevSeq uint64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fail(report, line, ReasonMalformedEntry), nil
		}
		if entry.Seq != prevSeq+1 {
			return fail(report, line, ReasonSeqGap), nil
		}
		if entry.PrevHash != prevHash {
			return fail(report, line, ReasonChainHashMismatch), nil
		}
		computed, err := hashEntry(entry)
		if err != nil {
			return fail(report, line, ReasonMalformedEntry), nil
		}
		if computed != entry.EntryHash {
			return fail(report, line, ReasonChainHashMismatch), nil
		}
		if continuityKey != nil {
			want := computeHMAC(continuityKey, entry.EntryHash)
			if entry.HMAC == "" || !hmac.Equal([]byte(want), []byte(entry.HMAC)) {
				return fail(report, line, ReasonHMACMismatch), nil
			}
		}

		prevHash = entry.EntryHash
		prevSeq = entry.Seq
		report.Entries++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan ledger: %w", err)
	}
	return report, nil
}

func fail(r *Report, line int, reason string) *Report {
	r.OK = false
	r.Line = line
	r.Reason = reason
	return r
}

// readEntries loads all well-formed entries; used to recover the chain head
// on Open. Malformed tails surface on the next Verify, not on Open.
func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open ledger: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("audit: malformed ledger line: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
