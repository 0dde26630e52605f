package confirmation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

// ErrInterrupted is returned when the prompt is cancelled by a signal
var ErrInterrupted = errors.New("operation cancelled by user")

// Summary describes the operation awaiting confirmation
type Summary struct {
	Title       string
	Details     [][2]string
	Warnings    []string
	Destructive bool
}

// Service asks the operator to confirm an operation
type Service interface {
	Confirm(summary Summary, autoApprove bool) (bool, error)
}

type confirmationService struct {
	in     *bufio.Reader
	out    io.Writer
	bold   *color.Color
	warn   *color.Color
	danger *color.Color
	ok     *color.Color
}

// NewConfirmationService prompts on stdin and writes to stderr
func NewConfirmationService(useColors bool) Service {
	return NewConfirmationServiceWithIO(os.Stdin, os.Stderr, useColors)
}

func NewConfirmationServiceWithIO(in io.Reader, out io.Writer, useColors bool) Service {
	cs := &confirmationService{
		in:     bufio.NewReader(in),
		out:    out,
		bold:   color.New(color.Bold),
		warn:   color.New(color.FgYellow),
		danger: color.New(color.FgRed, color.Bold),
		ok:     color.New(color.FgGreen),
	}
	for _, c := range []*color.Color{cs.bold, cs.warn, cs.danger, cs.ok} {
		if useColors {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return cs
}

// Confirm displays the summary and waits for y/N. An interrupt while
// waiting returns ErrInterrupted.
func (cs *confirmationService) Confirm(summary Summary, autoApprove bool) (bool, error) {
	cs.displaySummary(summary)

	if autoApprove {
		fmt.Fprintln(cs.out, cs.ok.Sprint("✓ Auto-approving operation..."))
		return true, nil
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interruptChan)

	type answer struct {
		ok  bool
		err error
	}
	answers := make(chan answer, 1)
	go func() {
		ok, err := cs.prompt()
		answers <- answer{ok, err}
	}()

	select {
	case <-interruptChan:
		fmt.Fprintln(cs.out, "\n"+cs.warn.Sprint("⚠ Operation cancelled by user"))
		return false, ErrInterrupted
	case a := <-answers:
		if a.err == nil && !a.ok {
			fmt.Fprintln(cs.out, cs.ok.Sprint("✓ Operation cancelled"))
		}
		return a.ok, a.err
	}
}

func (cs *confirmationService) displaySummary(s Summary) {
	fmt.Fprintln(cs.out, cs.bold.Sprint(s.Title))
	fmt.Fprintln(cs.out, strings.Repeat("-", 50))
	width := 0
	for _, kv := range s.Details {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	for _, kv := range s.Details {
		fmt.Fprintf(cs.out, "%-*s  %s\n", width+1, kv[0]+":", kv[1])
	}

	if len(s.Warnings) > 0 {
		fmt.Fprintln(cs.out)
		fmt.Fprintln(cs.out, cs.warn.Sprint("⚠ WARNINGS"))
		for i, w := range s.Warnings {
			fmt.Fprintf(cs.out, "%d. %s\n", i+1, cs.warn.Sprint(w))
		}
	}
	if s.Destructive {
		fmt.Fprintln(cs.out)
		fmt.Fprintln(cs.out, cs.danger.Sprint("This operation overwrites live tenant data."))
	}
	fmt.Fprintln(cs.out)
}

// prompt reads answers until one is recognised. EOF counts as no.
func (cs *confirmationService) prompt() (bool, error) {
	for {
		fmt.Fprint(cs.out, cs.bold.Sprint("Do you want to continue? [y/N]: "))
		input, err := cs.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("failed to read input: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		default:
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			fmt.Fprintf(cs.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", strings.TrimSpace(input))
		}
	}
}
