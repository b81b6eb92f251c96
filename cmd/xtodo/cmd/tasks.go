package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"xtodo/backend"
	"xtodo/internal/cli/prompt"
	"xtodo/internal/shutdown"
	"xtodo/internal/tasks"
	"xtodo/internal/utils"
)

const emptyListMessage = "No tasks yet. Add your first one!"

// newAddCmd creates the 'add' subcommand
func newAddCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "add [text...]",
		Short: "Add a task",
		Long:  "Add a task. Without arguments the text is read interactively.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := utils.NormalizeTaskText(strings.Join(args, " "))

			return withApp(cfg, func(a *app) error {
				ctx := cmd.Context()
				if _, err := a.requireUser(ctx); err != nil {
					return err
				}
				if text == "" {
					var err error
					text, err = newPrompter(cfg, stdout).TaskText()
					if errors.Is(err, prompt.ErrNoPromptMode) {
						return errors.New("task text is required")
					}
					if err != nil {
						return err
					}
				}

				t, err := a.store.CreateTask(ctx, text)
				if err != nil {
					return err
				}
				return doneWithTask("add", "Created task", t, cfg, stdout)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newListCmd creates the 'list' subcommand
func newListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show tasks, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")

			return withApp(cfg, func(a *app) error {
				ctx := cmd.Context()
				if _, err := a.requireUser(ctx); err != nil {
					return err
				}
				if watch {
					return doWatch(ctx, a, cfg, stdout)
				}
				snap, err := a.firstSnapshot(ctx)
				if err != nil {
					return err
				}
				return printTasks(snap.Tasks, cfg, stdout)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolP("watch", "w", false, "Keep running and print the list on every change")
	return cmd
}

func printTasks(list []backend.Task, cfg *Config, stdout io.Writer) error {
	if cfg.jsonOutput() {
		return outputTaskListJSON(list, stdout)
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintln(stdout, emptyListMessage)
	}
	for _, t := range list {
		_, _ = fmt.Fprintln(stdout, prompt.FormatTaskLine(t))
	}
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// doWatch prints every snapshot until interrupted or ctx ends.
func doWatch(ctx context.Context, a *app, cfg *Config, stdout io.Writer) error {
	sm := shutdown.NewManager()
	stop := sm.HandleSignals()
	defer stop()
	a.serveMetrics(sm)
	defer sm.Shutdown()

	updates := make(chan tasks.Snapshot, 1)
	cancel := a.store.Subscribe(func(s tasks.Snapshot) {
		if s.Loading {
			return
		}
		// Keep only the newest snapshot.
		select {
		case <-updates:
		default:
		}
		updates <- s
	})
	defer cancel()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sm.Context().Done():
			return nil
		case s := <-updates:
			if s.Err != nil {
				if !errors.Is(s.Err, lastErr) {
					utils.GetLogger().Warn("live query failed", "err", s.Err)
				}
				lastErr = s.Err
				continue
			}
			lastErr = nil
			if !cfg.jsonOutput() {
				_, _ = fmt.Fprintf(stdout, "-- %s --\n", time.Now().Format("15:04:05"))
			}
			if err := printTasks(s.Tasks, cfg, stdout); err != nil {
				return err
			}
		}
	}
}

// newToggleCmd creates the 'toggle' subcommand
func newToggleCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle [id]",
		Short: "Mark a task done or not done",
		Long:  "Flip the completed flag of a task. The id may be shortened to a unique prefix; without it a task is picked interactively.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}

			return withApp(cfg, func(a *app) error {
				ctx := cmd.Context()
				t, err := selectTask(ctx, a, newPrompter(cfg, stdout), ref, "Select a task to toggle:")
				if err != nil {
					return err
				}
				if err := a.store.ToggleTask(ctx, t.ID, t.Completed); err != nil {
					return err
				}
				t.Completed = !t.Completed
				verb := "Reopened task"
				if t.Completed {
					verb = "Completed task"
				}
				return doneWithTask("toggle", verb, &t, cfg, stdout)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newDeleteCmd creates the 'delete' subcommand
func newDeleteCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:     "delete [id]",
		Aliases: []string{"rm"},
		Short:   "Delete a task after confirmation",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}

			return withApp(cfg, func(a *app) error {
				ctx := cmd.Context()
				p := newPrompter(cfg, stdout)
				t, err := selectTask(ctx, a, p, ref, "Select a task to delete:")
				if err != nil {
					return err
				}
				err = a.store.DeleteTask(ctx, t.ID, p)
				if errors.Is(err, tasks.ErrNotConfirmed) {
					_, _ = fmt.Fprintln(stdout, "Cancelled")
					return nil
				}
				if err != nil {
					return err
				}
				return doneWithTask("delete", "Deleted task", &t, cfg, stdout)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func doneWithTask(action, verb string, t *backend.Task, cfg *Config, stdout io.Writer) error {
	if cfg.jsonOutput() {
		return outputActionJSON(action, t, stdout)
	}
	_, _ = fmt.Fprintf(stdout, "%s: %s (%s)\n", verb, t.Text, utils.ShortID(t.ID))
	cfg.done(stdout)
	return nil
}
