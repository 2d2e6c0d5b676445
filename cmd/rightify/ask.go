package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ashureev/rightify/internal/consult"
	"github.com/ashureev/rightify/internal/domain"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

type askFlags struct {
	service    string
	legacy     bool
	mode       string
	backendURL string
}

func newAskCmd() *cobra.Command {
	var flags askFlags

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run one consultation and print the analysis to the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, flags, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&flags.service, "service", "s", "consult", "Service: consult, analyze, search, recommend")
	cmd.Flags().BoolVar(&flags.legacy, "legacy", false, "Use the legacy query interface")
	cmd.Flags().StringVar(&flags.mode, "mode", string(domain.LegacyConsultation), "Legacy mode: consultation or case_search")
	cmd.Flags().StringVar(&flags.backendURL, "backend", "", "Analysis backend base URL (overrides BACKEND_URL)")

	return cmd
}

func runAsk(cmd *cobra.Command, flags askFlags, question string) error {
	cfg, err := loadConfig("", flags.backendURL)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg, slog.Default())
	if err != nil {
		return err
	}

	ctrl := consult.NewController(client, consult.Options{
		UserID:    "cli",
		SessionID: "ask",
	})
	defer ctrl.Close()

	snapshots, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	var ticket consult.Ticket
	if flags.legacy {
		ticket, err = ctrl.SubmitLegacy(question, domain.LegacyMode(flags.mode))
	} else {
		ticket, err = ctrl.SubmitQuery(flags.service, question)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p := newPrinter(out, isTerminal(out))
	started := time.Now()

	for {
		select {
		case <-cmd.Context().Done():
			return errors.New("consultation interrupted")
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			p.printActions(snap)
		case <-ticket.Done():
			final := ctrl.Snapshot()
			p.printActions(final)
			p.printResult(final, time.Since(started))
			return nil
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printer renders snapshots as a running log of new actions followed by the
// report.
type printer struct {
	out     io.Writer
	lastID  int64
	kind    func(format string, a ...any) string
	failure func(format string, a ...any) string
	title   func(format string, a ...any) string
	dim     func(format string, a ...any) string
}

func newPrinter(out io.Writer, colored bool) *printer {
	mk := func(attrs ...color.Attribute) func(string, ...any) string {
		c := color.New(attrs...)
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintfFunc()
	}
	return &printer{
		out:     out,
		kind:    mk(color.FgCyan),
		failure: mk(color.FgRed, color.Bold),
		title:   mk(color.Bold),
		dim:     mk(color.Faint),
	}
}

func (p *printer) printActions(s consult.Snapshot) {
	for _, a := range s.Actions {
		if a.ID <= p.lastID {
			continue
		}
		p.lastID = a.ID
		tag := p.kind("[%s]", a.RawType)
		if a.Kind == domain.ActionError {
			tag = p.failure("[%s]", a.RawType)
		}
		fmt.Fprintf(p.out, "%s %s\n", tag, a.Content)
	}
}

func (p *printer) printResult(s consult.Snapshot, elapsed time.Duration) {
	fmt.Fprintln(p.out)
	if s.Report != nil {
		fmt.Fprintln(p.out, p.title("%s", s.Report.Title))
		for _, sec := range s.Report.Sections {
			fmt.Fprintf(p.out, "\n%s\n%s\n", p.title("%s", sec.Title), sec.Content)
		}
	} else if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == domain.RoleAssistant {
		fmt.Fprintln(p.out, s.Messages[n-1].Content)
	}
	d := s.Diagnostics
	fmt.Fprintln(p.out, p.dim("\n(%d events, %d malformed, %s)", d.Events, d.Malformed, elapsed.Round(time.Millisecond)))
}
