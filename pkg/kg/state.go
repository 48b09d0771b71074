package kg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/earcrawler/earcrawler/pkg/canonicalize"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// Graph schema identity. SchemaSemver moves with compatible vocabulary
// additions; readers accept any release inside schemaConstraint and fail
// closed on anything else.
const (
	StateSchemaVersion = "ear-kg.v1"
	SchemaSemver       = "1.2.0"
)

var schemaConstraint = mustConstraint("^1")

// Artifact file names inside a KG directory.
const (
	NQuadsFile   = "graph.nq"
	TurtleFile   = "graph.ttl"
	stateDir     = ".kgstate"
	stateFile    = "manifest.json"
	checksumFile = "checksums.sha256"
)

// StateManifest binds an emitted graph to the corpus it was derived from.
type StateManifest struct {
	SchemaVersion string `json:"schema_version"`
	SchemaSemver  string `json:"schema_semver"`
	CorpusDigest  string `json:"corpus_digest"`
	GraphDigest   string `json:"graph_digest"`
	GraphIRI      string `json:"graph_iri"`
	// InputsHash commits to everything the emission depended on.
	InputsHash string `json:"inputs_hash"`
	QuadCount  int    `json:"quad_count"`
	BuiltAt    string `json:"built_at"`
}

// WriteOptions pins nondeterministic inputs of an emission run.
type WriteOptions struct {
	CorpusDigest    string
	SourceDateEpoch int64
}

// Write emits the KG directory: graph.nq (canonical), graph.ttl (review
// surface) and .kgstate/manifest.json binding graph to corpus.
func (g *Graph) Write(dir string, opts WriteOptions) error {
	const op = "kg.write"
	if err := os.MkdirAll(filepath.Join(dir, stateDir), 0o750); err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}

	nq := SerializeNQuads(g.Quads)
	ttl := SerializeTurtle(g.Quads)

	inputsHash, err := canonicalize.CanonicalHash(map[string]string{
		"corpus_digest":  opts.CorpusDigest,
		"schema_version": StateSchemaVersion,
		"schema_semver":  SchemaSemver,
	})
	if err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}

	manifest := StateManifest{
		SchemaVersion: StateSchemaVersion,
		SchemaSemver:  SchemaSemver,
		CorpusDigest:  opts.CorpusDigest,
		GraphDigest:   g.Digest,
		GraphIRI:      g.IRI,
		InputsHash:    inputsHash,
		QuadCount:     len(g.Quads),
		BuiltAt:       time.Unix(opts.SourceDateEpoch, 0).UTC().Format(time.RFC3339),
	}
	manifestData, err := canonicalize.JCS(&manifest)
	if err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}
	manifestData = append(manifestData, '\n')

	for path, content := range map[string][]byte{
		filepath.Join(dir, NQuadsFile):             nq,
		filepath.Join(dir, TurtleFile):             ttl,
		filepath.Join(dir, stateDir, stateFile):    manifestData,
		filepath.Join(dir, stateDir, checksumFile): checksumLines(nq, ttl),
	} {
		if err := writeAtomic(path, content); err != nil {
			return errkind.Wrap(errkind.Internal, op, err)
		}
	}
	return nil
}

func checksumLines(nq, ttl []byte) []byte {
	return []byte(canonicalize.HashBytes(nq) + "  " + NQuadsFile + "\n" +
		canonicalize.HashBytes(ttl) + "  " + TurtleFile + "\n")
}

// LoadState reads and verifies a KG directory's state manifest: schema
// pin inside the accepted range, graph digest matching graph.nq bytes.
// A graph that fails either check must not be served.
func LoadState(dir string) (*StateManifest, error) {
	const op = "kg.state"

	raw, err := os.ReadFile(filepath.Join(dir, stateDir, stateFile))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	var m StateManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	if m.SchemaVersion != StateSchemaVersion {
		return nil, errkind.New(errkind.InvalidInput, op,
			"unsupported schema_version %q", m.SchemaVersion)
	}
	v, err := semver.NewVersion(m.SchemaSemver)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	if !schemaConstraint.Check(v) {
		return nil, errkind.New(errkind.InvalidInput, op,
			"schema semver %s outside accepted range", m.SchemaSemver)
	}

	nq, err := os.ReadFile(filepath.Join(dir, NQuadsFile))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	if got := canonicalize.HashBytes(nq); got != m.GraphDigest {
		return nil, errkind.New(errkind.IntegrityFailure, op,
			"graph digest mismatch: manifest %s, file %s", m.GraphDigest[:12], got[:12])
	}
	return &m, nil
}

// ParseNQuads reads canonical N-Quads back into quads. Only the subset
// this package emits is accepted; anything else is an input error.
func ParseNQuads(data []byte) ([]Quad, error) {
	const op = "kg.parse"
	var quads []Quad
	lines := splitLines(data)
	for i, line := range lines {
		if line == "" {
			continue
		}
		q, err := parseNQuadLine(line)
		if err != nil {
			return nil, errkind.New(errkind.InvalidInput, op, "line %d: %v", i+1, err)
		}
		quads = append(quads, q)
	}
	return quads, nil
}

func splitLines(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, string(data[start:]))
	}
	return out
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
