package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mohammad-safakhou/researcher/internal/agent/core"
	"github.com/mohammad-safakhou/researcher/internal/observer"
)

func runCMD(cfgPath *string) *cobra.Command {
	var jsonOut bool
	var quiet bool
	run := &cobra.Command{
		Use:   "run <query>",
		Short: "Research a query and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			progress := observer.NewChannel(256, nil)
			a, err := loadApp(ctx, *cfgPath, progress)
			if err != nil {
				return err
			}
			defer a.Close()

			var printer *stepPrinter
			if !quiet {
				printer = startStepPrinter(cmd.ErrOrStderr(), progress.C())
			}

			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			res, err := research(ctx, a.orch, strings.Join(args, " "), interactive, cmd.InOrStdin(), cmd.ErrOrStderr())
			printer.Stop()
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), res, jsonOut)
		},
	}
	run.Flags().BoolVar(&jsonOut, "json", false, "print the full run snapshot as JSON")
	run.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return run
}

// orchestrator is the part of core.Orchestrator the terminal loop drives.
type orchestrator interface {
	Start(ctx context.Context, query string) (*core.Run, error)
	Await(ctx context.Context, runID string) (*core.Run, error)
	Respond(ctx context.Context, runID, answer string) error
}

// research starts a run and keeps it going through clarification pauses.
// Every pause waits on the human channel, so the configured human timeout
// ends the run when nobody answers. Interactive sessions forward lines typed
// on in to that channel.
func research(ctx context.Context, o orchestrator, query string, interactive bool, in io.Reader, prompt io.Writer) (*core.Run, error) {
	run, err := o.Start(ctx, query)
	var lines <-chan string
	if interactive {
		lines = readLines(ctx, in)
	}
	for err == nil && run.Status == core.RunAwaitingHuman {
		question := ""
		if run.State.PendingQuestion != nil {
			question = *run.State.PendingQuestion
		}
		if !interactive {
			fmt.Fprintf(prompt, "waiting for an answer to run %s: %s\n", run.ID, question)
			run, err = o.Await(ctx, run.ID)
			continue
		}
		fmt.Fprintf(prompt, "\n%s\n> ", question)
		run, err = awaitAnswer(ctx, o, run.ID, lines, prompt)
	}
	return run, err
}

// awaitAnswer blocks in Await while a second goroutine forwards the first
// non-blank line to the human channel.
func awaitAnswer(ctx context.Context, o orchestrator, runID string, lines <-chan string, prompt io.Writer) (*core.Run, error) {
	fwdCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		forwardAnswer(fwdCtx, o, runID, lines, prompt)
	}()
	run, err := o.Await(ctx, runID)
	cancel()
	<-done
	return run, err
}

func forwardAnswer(ctx context.Context, o orchestrator, runID string, lines <-chan string, prompt io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(prompt, "\ninput closed; waiting for an answer on the human channel")
				return
			}
			if ctx.Err() != nil {
				return
			}
			answer := strings.TrimSpace(line)
			if answer == "" {
				fmt.Fprint(prompt, "an answer is required\n> ")
				continue
			}
			if err := o.Respond(ctx, runID, answer); err != nil {
				fmt.Fprintf(prompt, "send answer: %v\n", err)
			}
			return
		}
	}
}

// readLines delivers lines from in until it ends or ctx is done. A read
// blocked on a terminal outlives ctx; the process exit reclaims it.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func printRun(w io.Writer, run *core.Run, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	}
	switch run.Status {
	case core.RunCompleted:
		if !jsonOut && run.State.FinalAnswer != nil {
			fmt.Fprintln(w, *run.State.FinalAnswer)
		}
		return nil
	case core.RunTimedOut:
		return fmt.Errorf("run %s timed out waiting for an answer", run.ID)
	default:
		return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.Error)
	}
}

// stepPrinter writes progress records as they arrive.
type stepPrinter struct {
	stop chan struct{}
	wg   sync.WaitGroup
}

func startStepPrinter(w io.Writer, steps <-chan observer.Step) *stepPrinter {
	p := &stepPrinter{stop: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case s := <-steps:
				writeStep(w, s)
			case <-p.stop:
				for {
					select {
					case s := <-steps:
						writeStep(w, s)
					default:
						return
					}
				}
			}
		}
	}()
	return p
}

// Stop flushes buffered records. A nil printer is a no-op.
func (p *stepPrinter) Stop() {
	if p == nil {
		return
	}
	close(p.stop)
	p.wg.Wait()
}

func writeStep(w io.Writer, s observer.Step) {
	mark := " "
	switch s.Status {
	case observer.StatusWarning:
		mark = "!"
	case observer.StatusError:
		mark = "x"
	}
	fmt.Fprintf(w, "%s %-11s %s\n", mark, s.State, s.Summary)
}
