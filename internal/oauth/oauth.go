// Package oauth runs the Google OAuth 2.0 desktop flow used for
// "Sign in with Google": a loopback callback server, PKCE, code exchange and
// a userinfo lookup.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"xtodo/backend"
	"xtodo/internal/config"
	"xtodo/internal/utils"
)

const (
	// OAuth callback timeout
	callbackTimeout = 5 * time.Minute

	// Starting port for OAuth callback server
	defaultStartPort = 8085

	// Max port attempts
	maxPortAttempts = 5
)

// Scopes requested from Google.
var Scopes = []string{"openid", "email", "profile"}

// Provider implements session.IdentityProvider for Google.
type Provider struct {
	config       *oauth2.Config
	out          io.Writer
	open         func(url string) error
	startPort    int
	timeout      time.Duration
	userinfoBase string
}

// Option configures a Provider.
type Option func(*Provider)

// WithOutput sets where the consent URL is printed. Default: os.Stderr.
func WithOutput(w io.Writer) Option {
	return func(p *Provider) {
		p.out = w
	}
}

// WithBrowser replaces the function that opens the consent URL.
func WithBrowser(open func(url string) error) Option {
	return func(p *Provider) {
		p.open = open
	}
}

// WithCallbackPort sets the first port tried for the callback server.
// Zero picks any free port.
func WithCallbackPort(port int) Option {
	return func(p *Provider) {
		p.startPort = port
	}
}

// WithTimeout bounds the wait for the browser callback.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// WithUserinfoEndpoint points the userinfo lookup at another base URL.
func WithUserinfoEndpoint(base string) Option {
	return func(p *Provider) {
		p.userinfoBase = base
	}
}

// NewProvider returns a provider for the given OAuth client.
func NewProvider(cfg *oauth2.Config, opts ...Option) *Provider {
	p := &Provider{
		config:    cfg,
		out:       os.Stderr,
		open:      openBrowser,
		startPort: defaultStartPort,
		timeout:   callbackTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ClientConfig builds the OAuth client from the google section of the
// configuration. A client_secret.json file wins over inline credentials.
func ClientConfig(cfg *config.Config) (*oauth2.Config, error) {
	if cfg.Google.ClientFile != "" {
		data, err := os.ReadFile(cfg.Google.ClientFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read google client file: %w", err)
		}
		oc, err := google.ConfigFromJSON(data, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("invalid google client file: %w", err)
		}
		return oc, nil
	}
	if cfg.Google.ClientID == "" {
		return nil, utils.ErrGoogleNotConfigured()
	}
	return &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}, nil
}

// Authenticate runs the consent flow. A denied consent or a cancelled ctx
// returns backend.ErrCancelled.
func (p *Provider) Authenticate(ctx context.Context) (backend.Identity, error) {
	log := utils.GetLogger()

	port, listener, err := findAvailablePort(p.startPort)
	if err != nil {
		return backend.Identity{}, fmt.Errorf("could not bind to local port for OAuth callback: %w", err)
	}
	defer func() { _ = listener.Close() }()

	cfg := *p.config
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d/callback", port)

	state, err := randomState()
	if err != nil {
		return backend.Identity{}, err
	}
	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body><h1>Sign-in cancelled</h1><p>You may close this window.</p></body></html>")
			if e == "access_denied" {
				offer(errCh, backend.ErrCancelled)
			} else {
				offer(errCh, fmt.Errorf("authorization failed: %s", e))
			}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "No code in callback", http.StatusBadRequest)
			offer(errCh, errors.New("no code in callback"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><h1>Signed in to xtodo</h1><p>You may close this window.</p></body></html>")
		offer(codeCh, code)
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			offer(errCh, err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	fmt.Fprintln(p.out, "Open this URL in your browser:")
	fmt.Fprintln(p.out, authURL)
	if err := p.open(authURL); err != nil {
		log.Debug("could not open browser", "component", "oauth", "err", err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return backend.Identity{}, err
	case <-timer.C:
		return backend.Identity{}, errors.New("oauth callback timed out")
	case <-ctx.Done():
		return backend.Identity{}, backend.ErrCancelled
	}

	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		if ctx.Err() != nil {
			return backend.Identity{}, backend.ErrCancelled
		}
		return backend.Identity{}, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	id, err := p.userinfo(ctx, &cfg, token)
	if err != nil {
		return backend.Identity{}, err
	}
	log.Debug("google sign-in completed", "component", "oauth", "email", id.Email)
	return id, nil
}

func (p *Provider) userinfo(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (backend.Identity, error) {
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, cfg.TokenSource(ctx, token)))}
	if p.userinfoBase != "" {
		opts = append(opts, option.WithEndpoint(p.userinfoBase))
	}
	svc, err := googleoauth2.NewService(ctx, opts...)
	if err != nil {
		return backend.Identity{}, fmt.Errorf("failed to create userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return backend.Identity{}, fmt.Errorf("failed to fetch google profile: %w", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	return backend.Identity{
		Provider:    backend.ProviderGoogle,
		Subject:     info.Id,
		Email:       info.Email,
		Name:        info.Name,
		IDToken:     idToken,
		AccessToken: token.AccessToken,
	}, nil
}

// findAvailablePort tries ports from start upwards. A zero start lets the OS pick.
func findAvailablePort(start int) (int, net.Listener, error) {
	if start == 0 {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			return 0, nil, err
		}
		return listener.Addr().(*net.TCPAddr).Port, listener, nil
	}
	for i := 0; i < maxPortAttempts; i++ {
		port := start + i
		listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			return port, listener, nil
		}
	}
	return 0, nil, fmt.Errorf("no available port found")
}

// offer sends v unless ch is full. Only the first callback counts; a
// reloaded or repeated callback must not block its handler.
func offer[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
