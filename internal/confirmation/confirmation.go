package confirmation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"drguard/internal/display"
)

// Prompt asks the operator to approve destructive operations: deleting a
// backup, overwriting a live database, or triggering disaster recovery.
type Prompt struct {
	in       *bufio.Reader
	out      io.Writer
	renderer *display.Renderer
	// AutoApprove skips every prompt. Set by the --yes flag.
	AutoApprove bool
}

// NewPrompt builds a prompt reading from stdin and writing to stdout.
func NewPrompt(renderer *display.Renderer) *Prompt {
	return &Prompt{
		in:       bufio.NewReader(os.Stdin),
		out:      os.Stdout,
		renderer: renderer,
	}
}

// NewPromptWithIO builds a prompt over explicit streams. Used by tests.
func NewPromptWithIO(in io.Reader, out io.Writer, renderer *display.Renderer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out, renderer: renderer}
}

// Confirm prints the warning lines and waits for a yes/no answer. Ctrl-C
// while waiting counts as a refusal.
func (p *Prompt) Confirm(action string, warnings ...string) (bool, error) {
	if p.AutoApprove {
		p.renderer.Successf("auto-approving: %s", action)
		return true, nil
	}

	for _, warning := range warnings {
		p.renderer.Warnf("%s", warning)
	}
	fmt.Fprintf(p.out, "%s [y/N]: ", action)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	answers := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		if err != nil && line == "" {
			errs <- err
			return
		}
		answers <- line
	}()

	select {
	case <-interrupts:
		fmt.Fprintln(p.out)
		p.renderer.Warnf("operation cancelled")
		return false, nil
	case err := <-errs:
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	case answer := <-answers:
		return parseAnswer(answer), nil
	}
}

// ConfirmDeleteBackup guards backup deletion.
func (p *Prompt) ConfirmDeleteBackup(backupID string) (bool, error) {
	return p.Confirm(
		fmt.Sprintf("Delete backup %s?", backupID),
		"Deleting a backup also removes its stored artifact. This cannot be undone.",
	)
}

// ConfirmOverwriteRestore guards restores that clear live tables.
func (p *Prompt) ConfirmOverwriteRestore(backupID string) (bool, error) {
	return p.Confirm(
		fmt.Sprintf("Restore %s with overwrite?", backupID),
		"Overwrite clears every targeted table before inserting restored rows.",
		"Existing data in those tables will be lost.",
	)
}

// ConfirmDisasterRecovery guards a full recovery run.
func (p *Prompt) ConfirmDisasterRecovery(drType string, systems []string) (bool, error) {
	warnings := []string{
		"Disaster recovery restores the database and files from the newest backup.",
	}
	if len(systems) > 0 {
		warnings = append(warnings, fmt.Sprintf("Services restarted: %s", strings.Join(systems, ", ")))
	}
	return p.Confirm(fmt.Sprintf("Trigger disaster recovery (%s)?", drType), warnings...)
}

func parseAnswer(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
