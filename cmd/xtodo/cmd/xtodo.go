package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"xtodo/backend"
	"xtodo/internal/credentials"
	"xtodo/internal/session"
	"xtodo/internal/shutdown"
	"xtodo/internal/tui"
	"xtodo/internal/utils"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// Config holds the process-level settings of one invocation. The fields
// marked for testing replace the user's files, keyring and browser.
type Config struct {
	NoPrompt     bool
	Verbose      bool
	OutputFormat string

	ConfigPath string    // Path to config file (for testing)
	DBPath     string    // Path to local database file (for testing)
	PrefsPath  string    // Path to preference file (for testing)
	Stdin      io.Reader // defaults to os.Stdin

	TokenStore       credentials.TokenStore   // replaces the OS keyring (for testing)
	IdentityProvider session.IdentityProvider // replaces the browser flow (for testing)

	consent io.Writer // receives the Google consent URL; nil discards it
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	return ExecuteContext(context.Background(), args, stdout, stderr, cfg)
}

// ExecuteContext is Execute with a parent context; cancelling it stops
// long-running commands such as "list --watch".
func ExecuteContext(ctx context.Context, args []string, stdout, stderr io.Writer, cfg *Config) int {
	// Flags of this invocation must not leak into the caller's Config.
	run := Config{}
	if cfg != nil {
		run = *cfg
	}
	run.consent = stderr
	rootCmd := NewXTodo(stdout, stderr, &run)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if containsJSONFlag(args) || run.jsonOutput() {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			if run.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewXTodo creates the root command with injectable IO
func NewXTodo(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "xtodo",
		Short:   "A minimal to-do list",
		Long:    "xtodo keeps a personal to-do list in a managed backend. Run it without arguments for the terminal interface.",
		Version: Version,
		Args:    cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			applyGlobalFlags(cmd, cfg)
			utils.SetVerboseMode(cfg.Verbose)
			utils.GetLogger().SetOutput(stderr)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd.Context(), cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add global flags
	cmd.PersistentFlags().String("config", "", "Path to config file (default $XDG_CONFIG_HOME/xtodo/config.yaml)")
	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	cmd.AddCommand(newLoginCmd(stdout, stderr, cfg))
	cmd.AddCommand(newSignupCmd(stdout, stderr, cfg))
	cmd.AddCommand(newLogoutCmd(stdout, cfg))
	cmd.AddCommand(newWhoamiCmd(stdout, cfg))
	cmd.AddCommand(newAddCmd(stdout, cfg))
	cmd.AddCommand(newListCmd(stdout, cfg))
	cmd.AddCommand(newToggleCmd(stdout, cfg))
	cmd.AddCommand(newDeleteCmd(stdout, cfg))
	cmd.AddCommand(newThemeCmd(stdout, cfg))
	cmd.AddCommand(newVersionCmd(stdout))

	return cmd
}

func applyGlobalFlags(cmd *cobra.Command, cfg *Config) {
	if noPrompt, _ := cmd.Flags().GetBool("no-prompt"); noPrompt {
		cfg.NoPrompt = true
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Verbose = true
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		cfg.OutputFormat = "json"
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg.ConfigPath = path
	}
}

func (c *Config) stdin() io.Reader {
	if c.Stdin != nil {
		return c.Stdin
	}
	return os.Stdin
}

// forTUI returns a copy of c for the terminal interface, which owns stderr.
func (c *Config) forTUI() *Config {
	tc := *c
	tc.consent = nil
	return &tc
}

func (c *Config) jsonOutput() bool {
	return c.OutputFormat == "json"
}

// done prints the ACTION_COMPLETED result code in no-prompt mode
func (c *Config) done(stdout io.Writer) {
	if c.NoPrompt && !c.jsonOutput() {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
}

// runTUI launches the terminal interface. Logs go to the background log file
// while it owns the terminal, and nothing else may write to stderr.
func runTUI(ctx context.Context, cfg *Config) error {
	a, err := openApp(cfg.forTUI())
	if err != nil {
		return err
	}

	bl, err := utils.NewBackgroundLoggerWithEnabled(a.settings.IsBackgroundLoggingEnabled())
	if err != nil {
		utils.GetLogger().Warn("background log unavailable", "err", err)
	}
	logPath := ""
	if bl.IsEnabled() {
		logPath = bl.GetLogPath()
	}
	utils.GetLogger().SetOutput(bl.Writer())
	bl.Print("tui started", "backend", a.settings.Backend, "pid", os.Getpid())

	sm := shutdown.NewManager()
	stop := sm.HandleSignals()
	defer stop()
	sm.RegisterCleanup("background log", func(context.Context) error {
		bl.Close()
		return nil
	})
	sm.RegisterCleanup("app", func(context.Context) error {
		return a.Close()
	})
	a.serveMetrics(sm)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sm.Context().Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	runErr := tui.Run(runCtx, a.session, a.store, openTheme(cfg))
	if runErr != nil {
		utils.GetLogger().Error("tui exited", "err", runErr)
	}
	sm.Shutdown()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := sm.Wait(waitCtx); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil && logPath != "" {
		runErr = utils.WrapWithSuggestion(runErr, "See the log at "+logPath)
	}
	return runErr
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprintf(stdout, "xtodo version %s\n", Version)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// JSON output structures
type taskJSON struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"created_at"`
}

type listTasksResponse struct {
	Tasks  []taskJSON `json:"tasks"`
	Count  int        `json:"count"`
	Result string     `json:"result"`
}

type actionResponse struct {
	Action string   `json:"action"`
	Task   taskJSON `json:"task"`
	Result string   `json:"result"`
}

type sessionResponse struct {
	Status   string `json:"status"`
	UID      string `json:"uid,omitempty"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
	Result   string `json:"result"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Result string `json:"result"`
}

// taskToJSON converts a backend.Task to taskJSON
func taskToJSON(t *backend.Task) taskJSON {
	result := taskJSON{
		ID:        t.ID,
		Text:      t.Text,
		Completed: t.Completed,
	}
	if !t.CreatedAt.IsZero() {
		result.CreatedAt = t.CreatedAt.UTC().Format(time.RFC3339)
	}
	return result
}

func writeJSON(stdout io.Writer, v interface{}) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
	return nil
}

// outputTaskListJSON outputs tasks in JSON format
func outputTaskListJSON(list []backend.Task, stdout io.Writer) error {
	jsonTasks := make([]taskJSON, 0, len(list))
	for i := range list {
		jsonTasks = append(jsonTasks, taskToJSON(&list[i]))
	}
	return writeJSON(stdout, listTasksResponse{
		Tasks:  jsonTasks,
		Count:  len(jsonTasks),
		Result: ResultInfoOnly,
	})
}

// outputActionJSON outputs action result in JSON format
func outputActionJSON(action string, task *backend.Task, stdout io.Writer) error {
	return writeJSON(stdout, actionResponse{
		Action: action,
		Task:   taskToJSON(task),
		Result: ResultActionCompleted,
	})
}

// outputSessionJSON outputs the session state in JSON format
func outputSessionJSON(st session.State, stdout io.Writer) error {
	resp := sessionResponse{Status: st.Status.String(), Result: ResultInfoOnly}
	if u := st.User; u != nil {
		resp.UID = u.UID
		resp.Email = u.Email
		resp.Name = u.DisplayName
		resp.Provider = u.Provider
	}
	return writeJSON(stdout, resp)
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	response := errorResponse{
		Error:  err.Error(),
		Code:   1,
		Result: ResultError,
	}

	jsonBytes, _ := json.Marshal(response)
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
}
