// Package theme holds the dark/light preference. The preference is
// independent of the session and applies to the whole process.
package theme

import (
	"os"
	"strconv"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"xtodo/internal/prefs"
)

// Key is the preference key the choice is stored under.
const Key = "theme"

// EnvPrefersDark overrides terminal background detection when set to a boolean.
const EnvPrefersDark = "XTODO_PREFERS_DARK"

const (
	valueDark  = "dark"
	valueLight = "light"
)

// Mode is the stored preference.
type Mode int

const (
	ModeSystem Mode = iota // nothing stored, follow the environment
	ModeLight
	ModeDark
)

func (m Mode) String() string {
	switch m {
	case ModeLight:
		return valueLight
	case ModeDark:
		return valueDark
	default:
		return "system"
	}
}

// StoredMode reads the preference. Unknown values count as not set.
func StoredMode(store prefs.Store) Mode {
	v, ok := store.Get(Key)
	if !ok {
		return ModeSystem
	}
	switch v {
	case valueDark:
		return ModeDark
	case valueLight:
		return ModeLight
	default:
		return ModeSystem
	}
}

// GetInitialTheme resolves whether to start dark: an explicit stored choice
// wins, then the environment signal, else light.
func GetInitialTheme(store prefs.Store, systemDark bool) bool {
	switch StoredMode(store) {
	case ModeDark:
		return true
	case ModeLight:
		return false
	default:
		return systemDark
	}
}

// SystemPrefersDark samples the environment signal. XTODO_PREFERS_DARK takes
// precedence over querying the terminal background.
func SystemPrefersDark() bool {
	if v := os.Getenv(EnvPrefersDark); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return lipgloss.HasDarkBackground()
}

// Preference is the live theme state of the process.
type Preference struct {
	mu         sync.Mutex
	store      prefs.Store
	systemDark bool
	dark       bool
	apply      func(bool)
}

// New resolves the initial theme and applies it.
// systemDark is the environment signal sampled once at startup.
func New(store prefs.Store, systemDark bool) *Preference {
	p := &Preference{
		store:      store,
		systemDark: systemDark,
		apply:      lipgloss.SetHasDarkBackground,
	}
	p.dark = GetInitialTheme(store, systemDark)
	p.apply(p.dark)
	return p
}

// IsDark reports the effective theme.
func (p *Preference) IsDark() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dark
}

// Mode reports the stored preference.
func (p *Preference) Mode() Mode {
	return StoredMode(p.store)
}

// SetTheme persists an explicit choice and applies it immediately. The
// presentation flag flips even when persisting fails.
func (p *Preference) SetTheme(isDark bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dark = isDark
	p.apply(isDark)

	value := valueLight
	if isDark {
		value = valueDark
	}
	return p.store.Set(Key, value)
}

// Toggle flips the effective theme and stores the result.
func (p *Preference) Toggle() (bool, error) {
	next := !p.IsDark()
	return next, p.SetTheme(next)
}

// FollowSystem forgets the explicit choice and goes back to the environment signal.
func (p *Preference) FollowSystem() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dark = p.systemDark
	p.apply(p.dark)
	return p.store.Delete(Key)
}
