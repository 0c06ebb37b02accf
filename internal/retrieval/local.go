package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/NERVsystems/letterchat/internal/embedding"
)

// LocalIndex is a small vector store in a SQLite file. Searches rank every
// chunk of a collection in memory, which is fine for a few thousand chunks.
type LocalIndex struct {
	db *sql.DB
}

// OpenLocalIndex opens or creates the index at path.
func OpenLocalIndex(path string) (*LocalIndex, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		text TEXT NOT NULL,
		source TEXT,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &LocalIndex{db: db}, nil
}

// Close closes the database.
func (l *LocalIndex) Close() error {
	return l.db.Close()
}

// Chunk is a passage to add to the index with its embedding.
type Chunk struct {
	Text      string
	Source    string
	Embedding []float32
}

// Add stores chunks in collection in a single transaction.
func (l *LocalIndex) Add(ctx context.Context, collection string, chunks []Chunk) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (collection, text, source, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, collection, c.Text, c.Source, encodeVector(c.Embedding)); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

// Count returns the number of chunks in collection.
func (l *LocalIndex) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

// Dimensions returns the vector size stored in collection, or 0 when the
// collection is empty.
func (l *LocalIndex) Dimensions(ctx context.Context, collection string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT length(embedding) FROM chunks WHERE collection = ? ORDER BY id LIMIT 1`, collection).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query dimensions: %w", err)
	}
	return n / 4, nil
}

// Search ranks the chunks of collection by cosine similarity to vector.
func (l *LocalIndex) Search(ctx context.Context, collection string, vector []float32, limit int, threshold float64) ([]Document, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, text, source, embedding FROM chunks WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			id     int64
			text   string
			source sql.NullString
			blob   []byte
		)
		if err := rows.Scan(&id, &text, &source, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		score, err := embedding.CosineSimilarity(vector, decodeVector(blob))
		if err != nil {
			continue // embedded with a different model
		}
		if threshold > 0 && score < threshold {
			continue
		}
		docs = append(docs, Document{
			ID:         strconv.FormatInt(id, 10),
			Collection: collection,
			Score:      score,
			Text:       text,
			Source:     source.String,
			Payload:    map[string]any{"text": text, "file_source": source.String},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
