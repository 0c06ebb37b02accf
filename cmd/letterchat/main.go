// letterchat drafts replies to citizen questions with an LLM, streaming the
// answer while separating the <letter> draft from the surrounding prose.
//
// Usage:
//
//	OPENAI_API_KEY=sk-... QDRANT_URL=http://localhost:6333 letterchat serve
//
// Ask a single question from the shell:
//
//	letterchat ask "Hur ansöker jag om bygglov?" --letter-out svar.md
//
// Or open the two-pane terminal UI:
//
//	letterchat tui
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NERVsystems/letterchat/internal/config"
	"github.com/NERVsystems/letterchat/internal/logging"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "letterchat",
	Short: "Draft letters to citizens with retrieval-augmented LLM answers",
	Long: `letterchat answers questions from case workers using a chat-completion
model and documents from a vector index. The model wraps its suggested reply
to the citizen in <letter> tags; letterchat streams the answer and shows the
letter draft separately.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Format)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "letterchat.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	askCmd.Flags().StringVar(&letterOut, "letter-out", "", "Write the letter draft to this file instead of stdout")
	askCmd.Flags().BoolVar(&renderLetter, "render", false, "Render the letter as markdown")
	ingestCmd.Flags().StringVar(&ingestCollection, "collection", "", "Collection to add the documents to (default: first configured)")
	ingestCmd.Flags().IntVar(&ingestChunkSize, "chunk-size", 0, "Maximum characters per chunk")
	splitCmd.Flags().StringVar(&splitPolicy, "unterminated", "", "Unterminated letter policy: keep or drop (default: from config)")
	configCmd.Flags().StringVar(&configWrite, "write", "", "Write the effective config to this file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
