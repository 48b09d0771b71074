package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

func init() {
	sqlite_vec.Auto()
}

// ErrStaleIndex reports an index whose sidecar no longer matches the
// active corpus or embedding model. Callers must rebuild, never serve.
var ErrStaleIndex = errors.New("index: stale against active corpus")

// Sidecar file name beside the database.
const MetaFile = "index.meta.json"

// Meta binds an index database to its inputs.
type Meta struct {
	CorpusDigest   string `json:"corpus_digest"`
	EmbeddingModel string `json:"embedding_model"`
	EmbeddingDim   int    `json:"embedding_dim"`
	DocCount       int    `json:"doc_count"`
	BuiltAt        string `json:"built_at"`
	Snapshot       struct {
		SnapshotID     string `json:"snapshot_id"`
		SnapshotSHA256 string `json:"snapshot_sha256"`
	} `json:"snapshot"`
}

// Index is an open retrieval index.
type Index struct {
	db   *sql.DB
	meta Meta
}

// BuildOptions pins index build inputs.
type BuildOptions struct {
	SourceDateEpoch int64
	SnapshotID      string
	SnapshotSHA256  string
}

func schemaSQL(dim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS docs (
    id INTEGER PRIMARY KEY,
    doc_id TEXT NOT NULL UNIQUE,
    section_id TEXT NOT NULL,
    parent_id TEXT,
    chunk_kind TEXT NOT NULL,
    text TEXT NOT NULL,
    tokens_estimate INTEGER
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_docs USING vec0(
    doc_rowid INTEGER PRIMARY KEY,
    embedding float[%d]
);

CREATE VIRTUAL TABLE IF NOT EXISTS docs_fts USING fts5(
    text,
    content='docs',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS docs_ai AFTER INSERT ON docs BEGIN
    INSERT INTO docs_fts(rowid, text) VALUES (new.id, new.text);
END;

CREATE INDEX IF NOT EXISTS idx_docs_section ON docs(section_id);
CREATE INDEX IF NOT EXISTS idx_docs_parent ON docs(parent_id);
`, dim)
}

// Build creates the index database under dir from a built corpus,
// embedding every document and writing the sidecar last so a crashed
// build is never openable.
func Build(ctx context.Context, dir string, c *corpus.Corpus, emb Embedder, opts BuildOptions) error {
	const op = "index.build"
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}
	dbPath := filepath.Join(dir, "index.db")
	if err := os.Remove(dbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errkind.Wrap(errkind.Internal, op, err)
	}

	db, err := openDB(dbPath)
	if err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schemaSQL(emb.Dim())); err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}
	defer tx.Rollback()

	insertDoc, err := tx.PrepareContext(ctx, `
		INSERT INTO docs (doc_id, section_id, parent_id, chunk_kind, text, tokens_estimate)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}
	defer insertDoc.Close()
	insertVec, err := tx.PrepareContext(ctx,
		"INSERT INTO vec_docs (doc_rowid, embedding) VALUES (?, ?)")
	if err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}
	defer insertVec.Close()

	for i := range c.Documents {
		d := &c.Documents[i]
		res, err := insertDoc.ExecContext(ctx,
			d.DocID, d.SectionID, nullable(d.ParentID), d.ChunkKind, d.Text, d.TokensEstimate)
		if err != nil {
			return errkind.Wrap(errkind.Internal, op, fmt.Errorf("%s: %w", d.DocID, err))
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return errkind.Wrap(errkind.Internal, op, err)
		}
		vec, err := emb.Embed(ctx, d.Text)
		if err != nil {
			return errkind.Wrap(errkind.Upstream, op, fmt.Errorf("embed %s: %w", d.DocID, err))
		}
		if _, err := insertVec.ExecContext(ctx, rowID, serializeFloat32(vec)); err != nil {
			return errkind.Wrap(errkind.Internal, op, fmt.Errorf("%s: %w", d.DocID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}

	meta := Meta{
		CorpusDigest:   c.Manifest.CorpusDigest,
		EmbeddingModel: emb.Model(),
		EmbeddingDim:   emb.Dim(),
		DocCount:       len(c.Documents),
		BuiltAt:        time.Unix(opts.SourceDateEpoch, 0).UTC().Format(time.RFC3339),
	}
	meta.Snapshot.SnapshotID = opts.SnapshotID
	meta.Snapshot.SnapshotSHA256 = opts.SnapshotSHA256

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetaFile), append(raw, '\n'), 0o640); err != nil {
		return errkind.Wrap(errkind.Internal, op, err)
	}
	return nil
}

// Open verifies the sidecar against the active corpus digest and
// embedding model, then opens the database. Any mismatch is
// ErrStaleIndex wrapped in an IntegrityFailure.
func Open(dir, corpusDigest, embeddingModel string) (*Index, error) {
	const op = "index.open"

	raw, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, errkind.Wrap(errkind.IntegrityFailure, op,
			fmt.Errorf("%w: no sidecar: %v", ErrStaleIndex, err))
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errkind.Wrap(errkind.IntegrityFailure, op,
			fmt.Errorf("%w: unreadable sidecar: %v", ErrStaleIndex, err))
	}
	if meta.CorpusDigest != corpusDigest {
		return nil, errkind.Wrap(errkind.IntegrityFailure, op,
			fmt.Errorf("%w: corpus %s, index built from %s",
				ErrStaleIndex, shortDigest(corpusDigest), shortDigest(meta.CorpusDigest)))
	}
	if meta.EmbeddingModel != embeddingModel {
		return nil, errkind.Wrap(errkind.IntegrityFailure, op,
			fmt.Errorf("%w: model %q, index built with %q",
				ErrStaleIndex, embeddingModel, meta.EmbeddingModel))
	}

	db, err := openDB(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, op, err)
	}
	return &Index{db: db, meta: meta}, nil
}

// Meta returns the sidecar the index was opened with.
func (ix *Index) Meta() Meta { return ix.meta }

// Close releases the database.
func (ix *Index) Close() error { return ix.db.Close() }

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
