package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"xtodo/backend"
	"xtodo/internal/cli/prompt"
	"xtodo/internal/session"
	"xtodo/internal/utils"
)

func newPrompter(cfg *Config, stdout io.Writer) *prompt.Prompter {
	return prompt.New(cfg.stdin(), stdout, cfg.NoPrompt)
}

// readCredentials takes the email from the flag or asks for it, then asks
// for the password.
func readCredentials(p *prompt.Prompter, email string) (string, string, error) {
	var err error
	if email == "" {
		email, err = p.Line("Email")
		if errors.Is(err, prompt.ErrNoPromptMode) {
			return "", "", errors.New("--email is required with --no-prompt")
		}
		if err != nil {
			return "", "", err
		}
	}
	if err := utils.ValidateEmail(email); err != nil {
		return "", "", err
	}
	password, err := p.Secret("Password")
	if errors.Is(err, prompt.ErrNoPromptMode) {
		return "", "", errors.New("a password prompt is required; run without --no-prompt")
	}
	if err != nil {
		return "", "", err
	}
	return email, password, nil
}

func printSignedIn(u *backend.User, cfg *Config, stdout io.Writer, verb string) error {
	if cfg.jsonOutput() {
		return outputSessionJSON(session.State{Status: session.StatusPresent, User: u}, stdout)
	}
	_, _ = fmt.Fprintf(stdout, "%s %s\n", verb, displayName(u))
	cfg.done(stdout)
	return nil
}

func displayName(u *backend.User) string {
	if u.Email != "" {
		return u.Email
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.UID
}

// newLoginCmd creates the 'login' subcommand
func newLoginCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password, or with Google",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			google, _ := cmd.Flags().GetBool("google")

			return withApp(cfg, func(a *app) error {
				ctx := cmd.Context()
				if google {
					return doGoogleLogin(ctx, a, cfg, stdout, stderr)
				}

				p := newPrompter(cfg, stderr)
				email, password, err := readCredentials(p, email)
				if err != nil {
					return err
				}
				u, err := a.session.SignIn(ctx, email, password)
				if err != nil {
					return utils.ErrAuthenticationFailed(err)
				}
				return printSignedIn(u, cfg, stdout, "Signed in as")
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringP("email", "e", "", "Account email")
	cmd.Flags().Bool("google", false, "Sign in with Google in the browser")
	return cmd
}

func doGoogleLogin(ctx context.Context, a *app, cfg *Config, stdout, stderr io.Writer) error {
	u, err := a.session.SignInWithFederatedProvider(ctx)
	switch {
	case err == nil:
		return printSignedIn(u, cfg, stdout, "Signed in as")
	case errors.Is(err, backend.ErrCancelled):
		// The user closed the consent page; nothing to report.
		utils.GetLogger().Debug("federated sign-in cancelled")
		return nil
	case errors.Is(err, session.ErrProviderNotConfigured):
		return utils.ErrGoogleNotConfigured()
	default:
		return utils.ErrAuthenticationFailed(err)
	}
}

// newSignupCmd creates the 'signup' subcommand
func newSignupCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")

			return withApp(cfg, func(a *app) error {
				p := newPrompter(cfg, stderr)
				email, password, err := readCredentials(p, email)
				if err != nil {
					return err
				}
				u, err := a.session.Register(cmd.Context(), email, password)
				if err != nil {
					return utils.ErrAuthenticationFailed(err)
				}
				return printSignedIn(u, cfg, stdout, "Account created. Signed in as")
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringP("email", "e", "", "Account email")
	return cmd
}

// newLogoutCmd creates the 'logout' subcommand
func newLogoutCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				ctx := cmd.Context()
				st, err := a.session.Resolve(ctx)
				if err != nil {
					return err
				}
				if !st.SignedIn() {
					_, _ = fmt.Fprintln(stdout, "Not signed in")
					return nil
				}
				if err := a.session.SignOut(ctx); err != nil {
					return err
				}
				if cfg.jsonOutput() {
					return outputSessionJSON(a.session.Current(), stdout)
				}
				_, _ = fmt.Fprintf(stdout, "Signed out %s\n", displayName(st.User))
				cfg.done(stdout)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newWhoamiCmd creates the 'whoami' subcommand
func newWhoamiCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				st, err := a.session.Resolve(cmd.Context())
				if err != nil {
					return err
				}
				if cfg.jsonOutput() {
					return outputSessionJSON(st, stdout)
				}
				if !st.SignedIn() {
					_, _ = fmt.Fprintln(stdout, "Not signed in")
					return nil
				}
				u := st.User
				_, _ = fmt.Fprintf(stdout, "%s (%s)\n", displayName(u), u.Provider)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
