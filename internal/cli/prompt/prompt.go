// Package prompt handles interactive prompts with no-prompt mode support:
// the delete confirmation, task selection by filter, and reading task text.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"xtodo/backend"
	"xtodo/internal/credentials"
	"xtodo/internal/tasks"
	"xtodo/internal/utils"
)

// Sentinel errors for prompt operations.
var (
	ErrSelectionCancelled = errors.New("selection cancelled")
	ErrNoPromptMode       = errors.New("interactive prompts disabled (--no-prompt / -y)")
	ErrNoTasks            = errors.New("no tasks available")
	ErrNoMatches          = errors.New("no tasks match the filter")
)

// Prompter reads answers line by line. All prompts share one buffered
// reader so consecutive prompts on the same input do not lose lines.
type Prompter struct {
	raw      io.Reader
	in       *bufio.Reader
	out      io.Writer
	noPrompt bool
}

// New returns a Prompter. With noPrompt set, confirmations are assumed and
// prompts that need an answer fail with ErrNoPromptMode.
func New(r io.Reader, w io.Writer, noPrompt bool) *Prompter {
	if w == nil {
		w = io.Discard
	}
	return &Prompter{raw: r, in: bufio.NewReader(r), out: w, noPrompt: noPrompt}
}

func (p *Prompter) readLine() (string, bool) {
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}

// Confirm implements tasks.Confirmer. End of input declines.
func (p *Prompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	if p.noPrompt {
		return true, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		_, _ = fmt.Fprintf(p.out, "%s (y/n): ", prompt)
		input, ok := p.readLine()
		if !ok {
			return false, nil
		}

		switch strings.ToLower(input) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		// Invalid input, loop continues
	}
}

// SelectTask lets the user narrow list by a case-insensitive filter and
// pick one task by number. A single candidate is selected without asking.
func (p *Prompter) SelectTask(list []backend.Task, title string) (*backend.Task, error) {
	if p.noPrompt {
		return nil, ErrNoPromptMode
	}
	if len(list) == 0 {
		return nil, ErrNoTasks
	}
	if len(list) == 1 {
		return &list[0], nil
	}

	_, _ = fmt.Fprintf(p.out, "%s\nFilter (or press Enter to show all): ", title)
	filter, ok := p.readLine()
	if !ok {
		return nil, ErrSelectionCancelled
	}

	filtered := FilterTasks(list, filter)
	if len(filtered) == 0 {
		return nil, ErrNoMatches
	}
	if len(filtered) == 1 {
		_, _ = fmt.Fprintf(p.out, "Auto-selected: %s\n", filtered[0].Text)
		return &filtered[0], nil
	}

	for i, t := range filtered {
		_, _ = fmt.Fprintf(p.out, "  %d) %s\n", i+1, FormatTaskLine(t))
	}

	_, _ = fmt.Fprint(p.out, "Select (0 to cancel): ")
	input, ok := p.readLine()
	if !ok {
		return nil, ErrSelectionCancelled
	}
	num, err := strconv.Atoi(input)
	if err != nil {
		return nil, fmt.Errorf("invalid selection: %s", input)
	}
	if num == 0 {
		return nil, ErrSelectionCancelled
	}
	if num < 1 || num > len(filtered) {
		return nil, fmt.Errorf("selection out of range: %d", num)
	}
	return &filtered[num-1], nil
}

// Line asks for a single non-empty answer.
func (p *Prompter) Line(label string) (string, error) {
	if p.noPrompt {
		return "", ErrNoPromptMode
	}
	_, _ = fmt.Fprintf(p.out, "%s: ", label)
	input, ok := p.readLine()
	if !ok || input == "" {
		return "", fmt.Errorf("no input for %s", strings.ToLower(label))
	}
	return input, nil
}

// Secret asks for a password. Echo is turned off when the input is a terminal.
func (p *Prompter) Secret(label string) (string, error) {
	if p.noPrompt {
		return "", ErrNoPromptMode
	}
	if f, ok := p.raw.(*os.File); ok && term.IsTerminal(int(f.Fd())) && p.in.Buffered() == 0 {
		return credentials.PromptPassword(f, p.out, label)
	}
	_, _ = fmt.Fprintf(p.out, "%s: ", label)
	input, ok := p.readLine()
	if !ok {
		return "", fmt.Errorf("no input for %s", strings.ToLower(label))
	}
	return input, nil
}

// TaskText asks for the text of a new task until a non-blank line is given.
func (p *Prompter) TaskText() (string, error) {
	if p.noPrompt {
		return "", ErrNoPromptMode
	}
	for {
		_, _ = fmt.Fprint(p.out, "Task: ")
		input, ok := p.readLine()
		if !ok {
			return "", errors.New("no input for task")
		}
		if text := utils.NormalizeTaskText(input); text != "" {
			return text, nil
		}
		_, _ = fmt.Fprintln(p.out, "Task cannot be empty.")
	}
}

// FilterTasks returns the tasks whose text contains filter, ignoring case.
// An empty filter matches everything.
func FilterTasks(list []backend.Task, filter string) []backend.Task {
	if filter == "" {
		out := make([]backend.Task, len(list))
		copy(out, list)
		return out
	}
	needle := strings.ToLower(filter)
	var out []backend.Task
	for _, t := range list {
		if strings.Contains(strings.ToLower(t.Text), needle) {
			out = append(out, t)
		}
	}
	return out
}

// FormatTaskLine renders a task as "[x] text (id)".
func FormatTaskLine(t backend.Task) string {
	box := "[ ]"
	if t.Completed {
		box = "[x]"
	}
	return fmt.Sprintf("%s %s (%s)", box, t.Text, utils.ShortID(t.ID))
}

var _ tasks.Confirmer = (*Prompter)(nil)
