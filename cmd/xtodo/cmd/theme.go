package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"xtodo/internal/theme"
)

type themeResponse struct {
	Theme  string `json:"theme"`
	Mode   string `json:"mode"`
	Result string `json:"result"`
}

// newThemeCmd creates the 'theme' subcommand. It needs no backend.
func newThemeCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:       "theme [dark|light|system]",
		Short:     "Show or set the color theme",
		Long:      "Without an argument, show the effective theme. 'system' forgets the stored choice and follows the terminal.",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"dark", "light", "system"},
		RunE: func(cmd *cobra.Command, args []string) error {
			pref := openTheme(cfg)

			if len(args) == 1 {
				var err error
				switch strings.ToLower(args[0]) {
				case "dark":
					err = pref.SetTheme(true)
				case "light":
					err = pref.SetTheme(false)
				case "system":
					err = pref.FollowSystem()
				default:
					return fmt.Errorf("unknown theme: %q (must be dark, light or system)", args[0])
				}
				if err != nil {
					return fmt.Errorf("failed to save theme: %w", err)
				}
			}

			effective := "light"
			if pref.IsDark() {
				effective = "dark"
			}
			mode := pref.Mode()

			if cfg.jsonOutput() {
				result := ResultInfoOnly
				if len(args) == 1 {
					result = ResultActionCompleted
				}
				return writeJSON(stdout, themeResponse{Theme: effective, Mode: mode.String(), Result: result})
			}

			if mode == theme.ModeSystem {
				_, _ = fmt.Fprintf(stdout, "Theme: %s (following system)\n", effective)
			} else {
				_, _ = fmt.Fprintf(stdout, "Theme: %s\n", effective)
			}
			if len(args) == 1 {
				cfg.done(stdout)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
