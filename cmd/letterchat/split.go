package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/NERVsystems/letterchat/internal/letter"
)

var splitPolicy string

var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Split a saved model response from stdin into reply and letter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		policy := cfg.Letter.Unterminated
		if splitPolicy != "" {
			policy = splitPolicy
		}
		s := letter.NewSplitter(
			letter.WithPlaceholder(cfg.Letter.Placeholder),
			letter.WithPolicy(letter.ParsePolicy(policy)),
		)

		ex, err := splitReader(s, cmd.InOrStdin())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ex)
	},
}

// splitReader feeds r to s in small reads, the way a response stream
// would arrive, and returns the finished exchange. A read may end inside a
// multi-byte rune; the splitter only concatenates, so the bytes rejoin.
func splitReader(s *letter.Splitter, r io.Reader) (letter.CompletedExchange, error) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.Feed(string(buf[:n]))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return letter.CompletedExchange{}, fmt.Errorf("failed to read input: %w", err)
		}
	}
	return s.Finish(), nil
}
