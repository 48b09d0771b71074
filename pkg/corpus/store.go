package corpus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/canonicalize"
	"github.com/earcrawler/earcrawler/pkg/earid"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// Artifact file names inside a corpus directory.
const (
	CorpusFile    = "retrieval_corpus.jsonl"
	ManifestFile  = "manifest.json"
	ChecksumsFile = "checksums.sha256"
)

// Write emits the corpus directory: retrieval_corpus.jsonl, manifest.json
// and checksums.sha256. Files are written atomically via rename so a
// crashed build never leaves a half-written corpus behind.
func (c *Corpus) Write(dir string) error {
	const op = "corpus.write"
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}

	data, err := encodeJSONL(c.Documents)
	if err != nil {
		return err
	}
	if got := canonicalize.HashBytes(data); got != c.Manifest.CorpusDigest {
		return errkind.New(errkind.IntegrityFailure, op,
			"corpus drifted since build: digest %s != manifest %s", got[:12], c.Manifest.CorpusDigest[:12])
	}

	manifestData, err := canonicalize.JCS(&c.Manifest)
	if err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}
	manifestData = append(manifestData, '\n')

	checksums := fmt.Sprintf("%s  %s\n%s  %s\n",
		canonicalize.HashBytes(data), CorpusFile,
		canonicalize.HashBytes(manifestData), ManifestFile)

	for name, content := range map[string][]byte{
		CorpusFile:    data,
		ManifestFile:  manifestData,
		ChecksumsFile: []byte(checksums),
	} {
		if err := writeAtomic(filepath.Join(dir, name), content); err != nil {
			return errkind.Wrap(errkind.Internal, op, err)
		}
	}
	return nil
}

// Load reads a corpus directory back, verifying checksums and the
// manifest digest before trusting any record. A corpus whose bytes no
// longer match its manifest is an integrity failure.
func Load(dir string) (*Corpus, error) {
	const op = "corpus.load"

	var manifest Manifest
	manifestData, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	if manifest.SchemaVersion != SchemaVersion {
		return nil, errkind.New(errkind.InvalidInput, op,
			"unsupported schema_version %q", manifest.SchemaVersion)
	}

	data, err := os.ReadFile(filepath.Join(dir, CorpusFile))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	if got := canonicalize.HashBytes(data); got != manifest.CorpusDigest {
		return nil, errkind.New(errkind.IntegrityFailure, op,
			"corpus digest mismatch: manifest %s, file %s", manifest.CorpusDigest[:12], got[:12])
	}
	if err := verifyChecksums(dir, data, manifestData); err != nil {
		return nil, err
	}

	docs, err := decodeJSONL(data)
	if err != nil {
		return nil, err
	}
	if len(docs) != manifest.DocCount {
		return nil, errkind.New(errkind.IntegrityFailure, op,
			"doc_count mismatch: manifest %d, file %d", manifest.DocCount, len(docs))
	}

	c := &Corpus{Documents: docs, Manifest: manifest}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the structural contract of the loaded corpus: per-doc
// field validity, unique doc ids in ascending order, and anchored
// children consistent with their parent section.
func (c *Corpus) Validate() error {
	const op = "corpus.validate"
	prev := ""
	for i := range c.Documents {
		d := &c.Documents[i]
		if err := d.check(); err != nil {
			return err
		}
		if d.DocID <= prev {
			return errkind.New(errkind.InvalidInput, op,
				"doc ids out of order at %s", d.DocID)
		}
		prev = d.DocID

		section, ordinal, err := earid.SplitDocID(d.DocID)
		if err != nil {
			return errkind.New(errkind.InvalidInput, op, "bad doc_id %s", d.DocID)
		}
		if section != d.SectionID {
			return errkind.New(errkind.InvalidInput, op,
				"%s: section_id %s disagrees with doc_id", d.DocID, d.SectionID)
		}
		if ordinal >= 0 {
			if d.ParentID != d.SectionID {
				return errkind.New(errkind.InvalidInput, op,
					"%s: anchored child must carry parent_id %s", d.DocID, d.SectionID)
			}
			if d.Ordinal != ordinal {
				return errkind.New(errkind.InvalidInput, op,
					"%s: ordinal %d disagrees with anchor", d.DocID, d.Ordinal)
			}
		} else if d.ParentID != "" {
			return errkind.New(errkind.InvalidInput, op,
				"%s: section doc must not carry parent_id", d.DocID)
		}
	}
	return nil
}

func decodeJSONL(data []byte) ([]Document, error) {
	var docs []Document
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var d Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, errkind.New(errkind.InvalidInput, "corpus.load",
				"line %d: malformed record", line)
		}
		docs = append(docs, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "corpus.load", err)
	}
	return docs, nil
}

func verifyChecksums(dir string, corpusData, manifestData []byte) error {
	const op = "corpus.checksums"
	raw, err := os.ReadFile(filepath.Join(dir, ChecksumsFile))
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, op, err)
	}
	want := map[string]string{
		CorpusFile:   canonicalize.HashBytes(corpusData),
		ManifestFile: canonicalize.HashBytes(manifestData),
	}
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return errkind.New(errkind.InvalidInput, op, "malformed checksum line")
		}
		expected, ok := want[fields[1]]
		if !ok {
			continue
		}
		if fields[0] != expected {
			return errkind.New(errkind.IntegrityFailure, op,
				"checksum mismatch for %s", fields[1])
		}
		delete(want, fields[1])
	}
	if len(want) != 0 {
		return errkind.New(errkind.IntegrityFailure, op, "checksums file incomplete")
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
