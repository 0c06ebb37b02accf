package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NERVsystems/letterchat/internal/embedding"
	"github.com/NERVsystems/letterchat/internal/retrieval"
)

// embedBatchSize bounds the texts sent per embedding request.
const embedBatchSize = 64

// documentTaskType asks task-aware providers for passage embeddings.
const documentTaskType = "RETRIEVAL_DOCUMENT"

var (
	ingestCollection string
	ingestChunkSize  int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Chunk, embed and store documents in the local index",
	Long: `ingest splits text files into chunks, embeds them with the configured
embedding provider and stores them in the SQLite index used by the "local"
retrieval backend.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collection := ingestCollection
	if collection == "" {
		if len(cfg.Retrieval.Collections) == 0 {
			return fmt.Errorf("no collection given and none configured")
		}
		collection = cfg.Retrieval.Collections[0]
	}

	engine, err := newEngine(cfg, documentTaskType)
	if err != nil {
		return err
	}
	idx, err := retrieval.OpenLocalIndex(cfg.Retrieval.IndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	ing, err := newIngester(ctx, engine, idx, collection)
	if err != nil {
		return err
	}

	total := 0
	for _, path := range args {
		n, err := ing.file(ctx, path)
		if err != nil {
			return err
		}
		logger.Info("Ingested file", zap.String("path", path), zap.Int("chunks", n))
		total += n
	}

	count, err := idx.Count(ctx, collection)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %d chunks to %q (%d total)\n", total, collection, count)
	return nil
}

// ingester adds files to one collection and keeps its vector size uniform.
type ingester struct {
	engine     embedding.Engine
	idx        *retrieval.LocalIndex
	collection string
	// dims is the vector size of the collection, 0 until known.
	dims int
}

func newIngester(ctx context.Context, engine embedding.Engine, idx *retrieval.LocalIndex, collection string) (*ingester, error) {
	dims, err := idx.Dimensions(ctx, collection)
	if err != nil {
		return nil, err
	}
	if want := engine.Dimensions(); dims > 0 && want > 0 && dims != want {
		return nil, fmt.Errorf("collection %q holds %d-dimensional vectors but %s produces %d", collection, dims, engine.Name(), want)
	}
	return &ingester{engine: engine, idx: idx, collection: collection, dims: dims}, nil
}

func (g *ingester) file(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	texts := retrieval.SplitText(string(data), ingestChunkSize)
	source := filepath.Base(path)

	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		vectors, err := g.engine.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return 0, fmt.Errorf("failed to embed %s: %w", path, err)
		}
		if len(vectors) != end-start {
			return 0, fmt.Errorf("embedding count mismatch for %s: got %d, want %d", path, len(vectors), end-start)
		}

		chunks := make([]retrieval.Chunk, 0, end-start)
		for i, text := range texts[start:end] {
			if g.dims == 0 {
				g.dims = len(vectors[i])
			}
			if len(vectors[i]) != g.dims {
				return 0, fmt.Errorf("collection %q holds %d-dimensional vectors, got %d from %s", g.collection, g.dims, len(vectors[i]), g.engine.Name())
			}
			chunks = append(chunks, retrieval.Chunk{Text: text, Source: source, Embedding: vectors[i]})
		}
		if err := g.idx.Add(ctx, g.collection, chunks); err != nil {
			return 0, err
		}
	}
	return len(texts), nil
}
