package integrity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/kg"
	"github.com/earcrawler/earcrawler/pkg/sparql"
)

// NewRoundTripGate loads the emitted N-Quads into the query engine,
// dumps them back, and requires byte equality. The graphs we emit carry
// no blank nodes, so byte equality after canonical sort is isomorphism.
func NewRoundTripGate(emitted []byte) Gate {
	return gateFunc{name: "round_trip", run: func(ctx context.Context) error {
		quads, err := kg.ParseNQuads(emitted)
		if err != nil {
			return fmt.Errorf("reload: %v", err)
		}
		dumped := sparql.NewEngine(quads).Dump()
		if !bytes.Equal(emitted, dumped) {
			return fmt.Errorf("dump differs from emission: %d vs %d bytes",
				len(dumped), len(emitted))
		}
		return nil
	}}
}

// NewProvenanceGate requires every typed node to carry a
// prov:wasDerivedFrom statement.
func NewProvenanceGate(quads []kg.Quad) Gate {
	return gateFunc{name: "provenance", run: func(ctx context.Context) error {
		missing := sparql.NewEngine(quads).MissingProvenance()
		if len(missing) > 0 {
			return fmt.Errorf("%d nodes missing provenance, first %s",
				len(missing), missing[0])
		}
		return nil
	}}
}

// NewBaselineGate compares a candidate artifact directory against the
// tracked baseline via directory hashes, reporting the first divergent
// path.
func NewBaselineGate(baselineDir, candidateDir string) Gate {
	return gateFunc{name: "baseline", run: func(ctx context.Context) error {
		base, err := dirHashes(baselineDir)
		if err != nil {
			return fmt.Errorf("baseline: %v", err)
		}
		cand, err := dirHashes(candidateDir)
		if err != nil {
			return fmt.Errorf("candidate: %v", err)
		}

		paths := make([]string, 0, len(base)+len(cand))
		for p := range base {
			paths = append(paths, p)
		}
		for p := range cand {
			if _, ok := base[p]; !ok {
				paths = append(paths, p)
			}
		}
		sort.Strings(paths)

		for _, p := range paths {
			b, inBase := base[p]
			c, inCand := cand[p]
			switch {
			case !inBase:
				return fmt.Errorf("unexpected artifact %s", p)
			case !inCand:
				return fmt.Errorf("missing artifact %s", p)
			case b != c:
				return fmt.Errorf("artifact %s diverged from baseline", p)
			}
		}
		return nil
	}}
}

// NewDeterminismGate runs the build twice and requires identical
// digests.
func NewDeterminismGate(build func(ctx context.Context) (string, error)) Gate {
	return gateFunc{name: "determinism", run: func(ctx context.Context) error {
		first, err := build(ctx)
		if err != nil {
			return fmt.Errorf("first build: %v", err)
		}
		second, err := build(ctx)
		if err != nil {
			return fmt.Errorf("second build: %v", err)
		}
		if first != second {
			return fmt.Errorf("digests diverge: %s vs %s", short(first), short(second))
		}
		return nil
	}}
}

// DirHash computes a Merkle-style digest of a directory: per-file
// SHA-256 over sorted relative paths, then a digest over the listing.
func DirHash(dir string) (string, error) {
	hashes, err := dirHashes(dir)
	if err != nil {
		return "", err
	}
	paths := make([]string, 0, len(hashes))
	for p := range hashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		b.WriteString(hashes[p])
		b.WriteString("  ")
		b.WriteString(p)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

func dirHashes(dir string) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		out[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
