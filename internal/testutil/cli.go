// Package testutil provides shared test utilities for CLI testing across packages.
// This enables co-located CLI tests while maintaining consistent test infrastructure.
package testutil

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"xtodo/cmd/xtodo/cmd"
	"xtodo/internal/credentials"
	"xtodo/internal/session"
)

// defaultTestConfig is the minimal config used by most test constructors to ensure isolation.
const defaultTestConfig = "# test config\nbackend: local\nlogging:\n  background_enabled: false\n"

// CLITest provides a test helper for running CLI commands in isolation. The
// session token lives in memory and survives between Execute calls, the way
// the keyring does between real invocations.
type CLITest struct {
	t          *testing.T
	cfg        *cmd.Config
	tmpDir     string
	configPath string
	dbPath     string
	tokens     *credentials.MemoryTokenStore
}

// NewCLITest creates a new CLI test helper with an isolated database, config,
// preference file and token store.
func NewCLITest(t *testing.T) *CLITest {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(defaultTestConfig), 0644); err != nil {
		t.Fatalf("failed to create config file: %v", err)
	}

	// The theme command samples the environment; keep it deterministic.
	t.Setenv("XTODO_PREFERS_DARK", "false")

	tokens := &credentials.MemoryTokenStore{}
	cfg := &cmd.Config{
		NoPrompt:   true,
		DBPath:     dbPath,
		ConfigPath: configPath,
		PrefsPath:  filepath.Join(tmpDir, "state", "prefs.toml"),
		Stdin:      strings.NewReader(""),
		TokenStore: tokens,
	}

	return &CLITest{
		t:          t,
		cfg:        cfg,
		tmpDir:     tmpDir,
		configPath: configPath,
		dbPath:     dbPath,
		tokens:     tokens,
	}
}

// Config returns the test configuration.
func (c *CLITest) Config() *cmd.Config {
	return c.cfg
}

// TmpDir returns the temporary directory for the test.
func (c *CLITest) TmpDir() string {
	return c.tmpDir
}

// ConfigPath returns the path to the config file.
func (c *CLITest) ConfigPath() string {
	return c.configPath
}

// DBPath returns the path to the local backend database.
func (c *CLITest) DBPath() string {
	return c.dbPath
}

// SetFullConfig replaces the entire config file with the given YAML content.
func (c *CLITest) SetFullConfig(yamlContent string) {
	c.t.Helper()
	if err := os.WriteFile(c.configPath, []byte(yamlContent), 0644); err != nil {
		c.t.Fatalf("failed to write config file: %v", err)
	}
}

// SetIdentityProvider replaces the browser flow used by "login --google".
func (c *CLITest) SetIdentityProvider(p session.IdentityProvider) {
	c.cfg.IdentityProvider = p
}

// Interactive turns prompts back on.
func (c *CLITest) Interactive() *CLITest {
	c.cfg.NoPrompt = false
	return c
}

// Execute runs a CLI command with the given arguments and returns stdout, stderr, and exit code.
func (c *CLITest) Execute(args ...string) (stdout, stderr string, exitCode int) {
	c.t.Helper()
	return c.ExecuteWithInput("", args...)
}

// ExecuteWithInput runs a CLI command with input as stdin.
func (c *CLITest) ExecuteWithInput(input string, args ...string) (stdout, stderr string, exitCode int) {
	c.t.Helper()

	cfg := *c.cfg
	cfg.Stdin = strings.NewReader(input)

	var stdoutBuf, stderrBuf bytes.Buffer
	exitCode = cmd.Execute(args, &stdoutBuf, &stderrBuf, &cfg)
	return stdoutBuf.String(), stderrBuf.String(), exitCode
}

// MustExecute runs a CLI command and fails the test if exit code is non-zero.
func (c *CLITest) MustExecute(args ...string) string {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode != 0 {
		c.t.Fatalf("expected exit code 0, got %d: stdout=%s stderr=%s", exitCode, stdout, stderr)
	}
	return stdout
}

// ExecuteAndFail runs a CLI command and fails the test if exit code is zero.
func (c *CLITest) ExecuteAndFail(args ...string) (stdout, stderr string) {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode == 0 {
		c.t.Fatalf("expected non-zero exit code, got 0: stdout=%s", stdout)
	}
	return stdout, stderr
}

// SignUp registers and signs in an account through the CLI.
func (c *CLITest) SignUp(email, password string) {
	c.t.Helper()

	cfg := *c.cfg
	cfg.NoPrompt = false
	cfg.Stdin = strings.NewReader(password + "\n")

	var stdoutBuf, stderrBuf bytes.Buffer
	if code := cmd.Execute([]string{"signup", "--email", email}, &stdoutBuf, &stderrBuf, &cfg); code != 0 {
		c.t.Fatalf("signup failed (%d): stdout=%s stderr=%s", code, stdoutBuf.String(), stderrBuf.String())
	}
}

// SessionToken returns the persisted session token, empty when signed out.
func (c *CLITest) SessionToken() string {
	c.t.Helper()
	token, err := c.tokens.LoadToken(c.t.Context())
	if err != nil {
		c.t.Fatalf("failed to load token: %v", err)
	}
	return token
}

// TaskCount returns the number of task rows in the database.
func (c *CLITest) TaskCount() int {
	c.t.Helper()

	db, err := openTestDB(c.dbPath)
	if err != nil {
		c.t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM tasks").Scan(&n); err != nil {
		c.t.Fatalf("failed to count tasks: %v", err)
	}
	return n
}

// FirstTaskID returns the id of the most recently created task.
func (c *CLITest) FirstTaskID() string {
	c.t.Helper()

	db, err := openTestDB(c.dbPath)
	if err != nil {
		c.t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	var id string
	if err := db.QueryRow("SELECT id FROM tasks ORDER BY created_at DESC, seq DESC LIMIT 1").Scan(&id); err != nil {
		c.t.Fatalf("failed to read task id: %v", err)
	}
	return id
}

// AssertContains fails the test if output doesn't contain expected string.
func AssertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// AssertNotContains fails the test if output contains unexpected string.
func AssertNotContains(t *testing.T, output, unexpected string) {
	t.Helper()
	if strings.Contains(output, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, output)
	}
}

// AssertExitCode fails the test if exit code doesn't match expected.
func AssertExitCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("expected exit code %d, got %d", want, got)
	}
}

// AssertResultCode verifies that the output ends with the expected result code.
func AssertResultCode(t *testing.T, output, expectedCode string) {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		t.Errorf("expected result code %q but output is empty", expectedCode)
		return
	}
	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if lastLine != expectedCode {
		t.Errorf("expected result code %q, got %q\nFull output:\n%s", expectedCode, lastLine, output)
	}
}

// Result code constants for convenience.
const (
	ResultActionCompleted = cmd.ResultActionCompleted
	ResultInfoOnly        = cmd.ResultInfoOnly
	ResultError           = cmd.ResultError
)

// openTestDB opens the SQLite database for testing purposes.
func openTestDB(dbPath string) (*sql.DB, error) {
	return sql.Open("sqlite", dbPath)
}
