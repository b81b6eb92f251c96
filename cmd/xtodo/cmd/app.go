package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"xtodo/backend"
	"xtodo/backend/firebase"
	"xtodo/backend/local"
	"xtodo/internal/cli/prompt"
	"xtodo/internal/config"
	"xtodo/internal/credentials"
	"xtodo/internal/metrics"
	"xtodo/internal/oauth"
	"xtodo/internal/prefs"
	"xtodo/internal/ratelimit"
	"xtodo/internal/session"
	"xtodo/internal/shutdown"
	"xtodo/internal/tasks"
	"xtodo/internal/theme"
	"xtodo/internal/utils"
)

// app is the wired client: one backend, the session over it and the task
// list bound to the session.
type app struct {
	settings *config.Config
	backend  backend.Backend
	session  *session.Manager
	store    *tasks.Store
	registry *prometheus.Registry

	unbind      func()
	stopMetrics func()
}

// loadSettings reads the config file and applies the invocation overrides.
func loadSettings(cfg *Config) (*config.Config, error) {
	settings, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.DBPath != "" {
		settings.Local.Path = cfg.DBPath
	}
	if settings.NoPrompt {
		cfg.NoPrompt = true
	}
	if cfg.OutputFormat == "" && settings.OutputFormat == "json" {
		cfg.OutputFormat = "json"
	}
	settings.ApplyFlags(cfg.NoPrompt, cfg.OutputFormat)
	if err := settings.Validate(); err != nil {
		return nil, utils.WrapWithSuggestion(err, "Check your config file (or pass --config)")
	}
	return settings, nil
}

func (c *Config) prefsPath() string {
	if c.PrefsPath != "" {
		return c.PrefsPath
	}
	return filepath.Join(config.GetStateDir(), prefs.FileName)
}

func openTheme(cfg *Config) *theme.Preference {
	return theme.New(prefs.NewFileStore(cfg.prefsPath()), theme.SystemPrefersDark())
}

// openApp builds the client described by the configuration.
func openApp(cfg *Config) (*app, error) {
	settings, err := loadSettings(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	b, err := openBackend(settings, cfg, registry)
	if err != nil {
		return nil, err
	}

	var opts []session.Option
	if idp := identityProvider(settings, cfg); idp != nil {
		opts = append(opts, session.WithIdentityProvider(idp))
	}

	collector := metrics.NewCollector(registry)
	a := &app{
		settings: settings,
		backend:  b,
		session:  session.NewManager(b, opts...),
		store:    tasks.New(b, tasks.WithInstrumentation(collector)),
		registry: registry,
	}
	a.stopMetrics = a.session.Observe(collector.ObserveSession)
	a.unbind = a.store.Bind(a.session)
	return a, nil
}

func openBackend(settings *config.Config, cfg *Config, reg prometheus.Registerer) (backend.Backend, error) {
	tokens := cfg.TokenStore
	switch settings.Backend {
	case config.BackendFirebase:
		if tokens == nil {
			tokens = credentials.NewManager().ForBackend(firebase.Name)
		}
		stats := ratelimit.NewStats()
		metrics.RegisterRateLimitStats(reg, firebase.Name, stats)
		b, err := firebase.New(firebase.Config{
			APIKey:       settings.Firebase.APIKey,
			ProjectID:    settings.Firebase.ProjectID,
			PollInterval: settings.GetPollInterval(),
		}, firebase.WithTokenStore(tokens), firebase.WithRateLimitStats(stats))
		if err != nil {
			return nil, utils.WrapWithSuggestion(err, "Set firebase.api_key and firebase.project_id in your config file")
		}
		return b, nil
	default:
		if tokens == nil {
			tokens = credentials.NewManager().ForBackend(local.Name)
		}
		b, err := local.New(settings.GetDatabasePath(), local.WithTokenStore(tokens))
		if err != nil {
			return nil, fmt.Errorf("failed to open local database: %w", err)
		}
		return b, nil
	}
}

func identityProvider(settings *config.Config, cfg *Config) session.IdentityProvider {
	if cfg.IdentityProvider != nil {
		return cfg.IdentityProvider
	}
	if !settings.IsGoogleConfigured() {
		return nil
	}
	oc, err := oauth.ClientConfig(settings)
	if err != nil {
		utils.GetLogger().Warn("google sign-in disabled", "err", err)
		return nil
	}
	return oauth.NewProvider(oc, oauth.WithOutput(cfg.consentOutput()))
}

// consentOutput is where the Google consent URL is printed: stderr for
// commands, nowhere while the TUI owns the terminal.
func (c *Config) consentOutput() io.Writer {
	if c.consent == nil {
		return io.Discard
	}
	return c.consent
}

// serveMetrics exposes the registry when metrics.listen is set. The server
// stops with the shutdown manager.
func (a *app) serveMetrics(sm *shutdown.Manager) {
	if !a.settings.IsMetricsEnabled() {
		return
	}
	go func() {
		if err := metrics.Serve(sm.Context(), a.settings.Metrics.Listen, a.registry); err != nil {
			utils.GetLogger().Warn("metrics endpoint failed", "addr", a.settings.Metrics.Listen, "err", err)
		}
	}()
}

// Close tears the client down in dependency order.
func (a *app) Close() error {
	a.unbind()
	a.stopMetrics()
	a.session.Close()
	return a.backend.Close()
}

// requireUser waits for the restored session and fails when nobody is signed in.
func (a *app) requireUser(ctx context.Context) (*backend.User, error) {
	st, err := a.session.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if !st.SignedIn() {
		return nil, utils.ErrNotSignedIn()
	}
	return st.User, nil
}

// firstSnapshot waits for the live query's first result.
func (a *app) firstSnapshot(ctx context.Context) (tasks.Snapshot, error) {
	ready := make(chan tasks.Snapshot, 1)
	cancel := a.store.Subscribe(func(s tasks.Snapshot) {
		if s.Loading {
			return
		}
		select {
		case ready <- s:
		default:
		}
	})
	defer cancel()

	select {
	case s := <-ready:
		if s.Err != nil && len(s.Tasks) == 0 {
			return s, s.Err
		}
		return s, nil
	case <-ctx.Done():
		return tasks.Snapshot{}, ctx.Err()
	}
}

// withApp opens the client, runs fn and closes it again.
func withApp(cfg *Config, fn func(a *app) error) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	err = fn(a)
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return explainNetworkError(err, a.settings.Backend)
}

// explainNetworkError attaches an offline suggestion to transport failures
// that do not already carry one.
func explainNetworkError(err error, backendName string) error {
	if err == nil || !errors.Is(err, backend.ErrNetwork) {
		return err
	}
	var ews *utils.ErrorWithSuggestion
	if errors.As(err, &ews) {
		return err
	}
	return utils.ErrBackendOffline(backendName, err)
}

// selectTask resolves ref to a task of the current list, or asks when ref is empty.
func selectTask(ctx context.Context, a *app, p *prompt.Prompter, ref, title string) (backend.Task, error) {
	if _, err := a.requireUser(ctx); err != nil {
		return backend.Task{}, err
	}
	snap, err := a.firstSnapshot(ctx)
	if err != nil {
		return backend.Task{}, err
	}

	if ref == "" {
		t, err := p.SelectTask(snap.Tasks, title)
		if err != nil {
			if errors.Is(err, prompt.ErrNoPromptMode) {
				return backend.Task{}, errors.New("task id is required with --no-prompt")
			}
			return backend.Task{}, err
		}
		return *t, nil
	}

	t, ok := a.store.Find(ref)
	if !ok {
		return backend.Task{}, utils.ErrTaskNotFound(ref)
	}
	return t, nil
}
