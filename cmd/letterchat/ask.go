package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/NERVsystems/letterchat/internal/chat"
	"github.com/NERVsystems/letterchat/internal/feedback"
)

var (
	letterOut    string
	renderLetter bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question and print the reply and letter draft",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var rateCmd = &cobra.Command{
	Use:   "rate <feedback-id> <stars> [comment]",
	Short: "Rate a logged reply from 1 to 5 stars",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runRate,
}

var showCmd = &cobra.Command{
	Use:   "show <feedback-id>",
	Short: "Print a logged reply and its rating as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return showFeedback(cmd.Context(), cmd.OutOrStdout(), a.feedback, args[0])
	},
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.GetLLMTimeout())
	defer cancelTimeout()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	printer := &streamPrinter{out: out, status: cmd.ErrOrStderr(), placeholder: cfg.Letter.Placeholder}
	sess := a.orch.Sessions().Create()

	res, err := a.orch.Exchange(ctx, sess.ID, strings.Join(args, " "), chat.PresenterFuncs{OnVisible: printer.Visible})
	fmt.Fprintln(out)
	if err != nil && !errors.Is(err, chat.ErrUpstreamAbort) && !errors.Is(err, context.Canceled) {
		return err
	}
	if werr := writeLetter(out, res); werr != nil {
		return werr
	}
	if res.FeedbackID != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "feedback id: %s (rate with: letterchat rate %s <1-5>)\n", res.FeedbackID, res.FeedbackID)
	}
	return err
}

func writeLetter(out io.Writer, res chat.Result) error {
	if !res.Exchange.HasLetter() {
		return nil
	}
	text := res.Exchange.LetterText()
	if letterOut != "" {
		if err := os.WriteFile(letterOut, []byte(text+"\n"), 0644); err != nil {
			return fmt.Errorf("failed to write letter: %w", err)
		}
		return nil
	}

	if renderLetter {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
		if err == nil {
			if rendered, err := r.Render(text); err == nil {
				text = rendered
			}
		}
	}
	fmt.Fprintf(out, "\n--- brev ---\n%s\n", text)
	return nil
}

func runRate(cmd *cobra.Command, args []string) error {
	stars, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid rating %q: %w", args[1], err)
	}
	rating := feedback.Rating{Stars: stars}
	if len(args) == 3 {
		rating.Comment = args[2]
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Rate(cmd.Context(), args[0], rating); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Tack för din feedback!")
	return nil
}

// showFeedback prints the stored entry for id. Only sinks that keep their
// records locally can be read back.
func showFeedback(ctx context.Context, out io.Writer, sink feedback.Sink, id string) error {
	g, ok := sink.(feedback.Getter)
	if !ok {
		return fmt.Errorf("feedback backend %T cannot read records back", sink)
	}
	entry, err := g.Get(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(entry)
}

// streamPrinter writes the growing reply text to a terminal as deltas. The
// composing placeholder goes to the status writer once instead of being
// mixed into the reply.
type streamPrinter struct {
	out         io.Writer
	status      io.Writer
	placeholder string

	printed       string
	shownComposer bool
}

// Visible implements chat.Presenter's visible channel.
func (p *streamPrinter) Visible(text string) {
	if body, composing := p.stripPlaceholder(text); composing {
		if !p.shownComposer {
			p.shownComposer = true
			fmt.Fprintf(p.status, "[%s]\n", p.placeholder)
		}
		text = body
	}
	if strings.HasPrefix(text, p.printed) {
		io.WriteString(p.out, text[len(p.printed):])
		p.printed = text
	}
}

func (p *streamPrinter) stripPlaceholder(text string) (string, bool) {
	if p.placeholder == "" {
		return text, false
	}
	if text == p.placeholder {
		return "", true
	}
	if body, ok := strings.CutSuffix(text, "\n\n"+p.placeholder); ok {
		return body, true
	}
	return text, false
}
