// Package snapshot validates approved offline eCFR snapshots before any
// downstream artifact is built. The manifest hash binds approval to payload
// bytes: a snapshot whose payload no longer matches its manifest is an
// integrity failure, not a parse error.
package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/earcrawler/earcrawler/pkg/earid"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

//go:embed manifest_schema.json
var manifestSchemaJSON string

// ManifestVersion is the only accepted offline manifest version.
const ManifestVersion = "offline-snapshot.v1"

// Manifest is the approval record beside a snapshot payload.
type Manifest struct {
	ManifestVersion string `json:"manifest_version"`
	SnapshotID      string `json:"snapshot_id"`
	CreatedAt       string `json:"created_at"`
	Source          struct {
		Owner      string `json:"owner"`
		Upstream   string `json:"upstream"`
		ApprovedBy string `json:"approved_by"`
		ApprovedAt string `json:"approved_at"`
	} `json:"source"`
	Scope struct {
		Titles []int    `json:"titles"`
		Parts  []string `json:"parts"`
	} `json:"scope"`
	Payload struct {
		Path      string `json:"path"`
		SHA256    string `json:"sha256"`
		SizeBytes int64  `json:"size_bytes"`
	} `json:"payload"`
}

// Record is one line of snapshot.jsonl after normalization.
type Record struct {
	SectionID string `json:"section_id"`
	Text      string `json:"text"`
	Title     string `json:"title,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Snapshot is a validated offline snapshot ready for corpus building.
type Snapshot struct {
	Dir      string
	Manifest Manifest
	Records  []Record
	// PayloadSHA256 is the verified digest of snapshot.jsonl.
	PayloadSHA256 string
}

var manifestSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://ear.example.org/schemas/offline-snapshot.v1.json"
	if err := c.AddResource(url, strings.NewReader(manifestSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// Load validates the snapshot directory and returns the parsed snapshot.
// Checks, in order: manifest schema, payload hash/size bind, payload
// encoding (UTF-8, no BOM, LF only), per-line shape, normalizable section
// ids with non-empty text.
func Load(dir string) (*Snapshot, error) {
	manifest, err := loadManifest(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}

	payloadPath := filepath.Join(dir, filepath.FromSlash(manifest.Payload.Path))
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "snapshot.load", err)
	}

	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	if digest != manifest.Payload.SHA256 {
		return nil, errkind.New(errkind.IntegrityFailure, "snapshot.load",
			"payload sha256 mismatch: manifest %s, file %s", manifest.Payload.SHA256[:12], digest[:12])
	}
	if int64(len(payload)) != manifest.Payload.SizeBytes {
		return nil, errkind.New(errkind.IntegrityFailure, "snapshot.load",
			"payload size mismatch: manifest %d, file %d", manifest.Payload.SizeBytes, len(payload))
	}

	records, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Dir:           dir,
		Manifest:      *manifest,
		Records:       records,
		PayloadSHA256: digest,
	}, nil
}

// SourceRef is the snapshot identity string recorded on every derived
// retrieval document.
func (s *Snapshot) SourceRef() string {
	return fmt.Sprintf("%s@sha256:%s", s.Manifest.SnapshotID, s.PayloadSHA256[:16])
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "snapshot.manifest", err)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "snapshot.manifest", err)
	}
	if err := manifestSchema.Validate(generic); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "snapshot.manifest", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "snapshot.manifest", err)
	}
	return &manifest, nil
}

func parsePayload(payload []byte) ([]Record, error) {
	if bytes.HasPrefix(payload, []byte{0xEF, 0xBB, 0xBF}) {
		return nil, errkind.New(errkind.InvalidInput, "snapshot.payload", "payload carries a BOM")
	}
	if !utf8.Valid(payload) {
		return nil, errkind.New(errkind.InvalidInput, "snapshot.payload", "payload is not valid UTF-8")
	}
	if bytes.Contains(payload, []byte{'\r'}) {
		return nil, errkind.New(errkind.InvalidInput, "snapshot.payload", "payload contains CR; LF-only required")
	}

	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, errkind.New(errkind.InvalidInput, "snapshot.payload",
				"line %d: malformed record", line)
		}
		normalized, err := earid.NormalizeSectionID(rec.SectionID)
		if err != nil {
			return nil, errkind.New(errkind.InvalidInput, "snapshot.payload",
				"line %d: %v", line, err)
		}
		rec.SectionID = normalized
		if strings.TrimSpace(rec.Text) == "" {
			return nil, errkind.New(errkind.InvalidInput, "snapshot.payload",
				"line %d: empty text for %s", line, rec.SectionID)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "snapshot.payload", err)
	}
	if len(records) == 0 {
		return nil, errkind.New(errkind.InvalidInput, "snapshot.payload", "no records")
	}
	return records, nil
}
