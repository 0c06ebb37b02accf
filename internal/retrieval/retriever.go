// Package retrieval finds knowledge-base passages that support an answer.
// Vectors are searched in Qdrant or in a local SQLite index.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NERVsystems/letterchat/internal/embedding"
	"github.com/NERVsystems/letterchat/internal/logging"
)

// Document is one retrieved passage.
type Document struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Score      float64        `json:"score"`
	Text       string         `json:"text"`
	Source     string         `json:"source,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Searcher runs a nearest-neighbour query against one collection.
// A threshold of zero disables score filtering.
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, limit int, threshold float64) ([]Document, error)
}

// Options controls a Retriever.
type Options struct {
	Collections []string
	Limit       int
	Threshold   float64
}

// Retriever embeds a query and searches every configured collection.
type Retriever struct {
	engine   embedding.Engine
	searcher Searcher
	opts     Options
	logger   *zap.Logger
}

// NewRetriever creates a Retriever. Limit defaults to 3.
func NewRetriever(engine embedding.Engine, searcher Searcher, opts Options, logger *zap.Logger) *Retriever {
	if opts.Limit <= 0 {
		opts.Limit = 3
	}
	return &Retriever{engine: engine, searcher: searcher, opts: opts, logger: logging.OrNop(logger)}
}

// Limit returns the default number of documents returned.
func (r *Retriever) Limit() int { return r.opts.Limit }

// Search returns the best documents for query across all collections,
// highest score first. A collection that fails is logged and skipped; an
// error is returned only if every collection failed.
func (r *Retriever) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = r.opts.Limit
	}
	if len(r.opts.Collections) == 0 {
		return nil, nil
	}

	vector, err := r.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var (
		mu      sync.Mutex
		docs    []Document
		errs    []error
		g, gctx = errgroup.WithContext(ctx)
	)
	for _, collection := range r.opts.Collections {
		g.Go(func() error {
			found, err := r.searcher.Search(gctx, collection, vector, limit, r.opts.Threshold)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("Collection search failed",
					zap.String("collection", collection),
					zap.Error(err))
				errs = append(errs, err)
				return nil // Don't fail the group on search error
			}
			docs = append(docs, found...)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == len(r.opts.Collections) {
		return nil, fmt.Errorf("all collections failed: %w", errors.Join(errs...))
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if len(docs) > limit {
		docs = docs[:limit]
	}

	r.logger.Debug("Retrieved documents",
		zap.Int("count", len(docs)),
		zap.Strings("collections", r.opts.Collections))
	return docs, nil
}
