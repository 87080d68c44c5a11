package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mistakeknot/canvass/internal/core"
)

// Exit codes for CLI commands.
const (
	ExitSuccess  = 0
	ExitFailure  = 1
	ExitUsage    = 2
	ExitConflict = 3
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsage, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if core.IsConflict(err) || core.IsDuplicate(err) {
		return ExitConflict
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
	money  *message.Printer
}

func newFormatter(format string, w io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format: format,
		Writer: w,
		money:  message.NewPrinter(language.BrazilianPortuguese),
	}
}

func (f *OutputFormatter) JSON() bool { return f.Format == "json" }

// Result writes v as indented JSON in json mode, otherwise calls text.
func (f *OutputFormatter) Result(v any, text func(w io.Writer)) error {
	if f.JSON() {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(f.Writer)
	return nil
}

// Money renders an amount in reais, e.g. "R$ 1.234,50".
func (f *OutputFormatter) Money(v float64) string {
	return f.money.Sprintf("R$ %.2f", v)
}

var (
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errColor     = color.New(color.FgRed)
	subtleColor  = color.New(color.Faint)
	headingColor = color.New(color.Bold)
)

// queuedLabel marks writes waiting in the offline queue.
func queuedLabel(queued bool) string {
	if queued {
		return warnColor.Sprint("queued")
	}
	return okColor.Sprint("synced")
}
