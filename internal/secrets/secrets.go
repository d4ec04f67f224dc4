// ABOUTME: Registry of named secrets that are injected into shell commands as env exports
// ABOUTME: Detects secret names in text by word boundary and masks exported values in output

package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Placeholder replaces secret values in masked output.
const Placeholder = "<secret-hidden>"

// Value resolves a secret. It is called lazily each time the secret is needed.
type Value func() (string, error)

// Static returns a Value that always yields v.
func Static(v string) Value {
	return func() (string, error) { return v, nil }
}

// FromEnv returns a Value that reads the named environment variable.
func FromEnv(name string) Value {
	return func() (string, error) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil
	}
}

type entry struct {
	value   Value
	pattern *regexp.Regexp
}

// Manager holds secrets and remembers which values were exported so they can
// be masked in command output.
type Manager struct {
	mu       sync.RWMutex
	secrets  map[string]entry
	exported map[string]string
	logger   *slog.Logger
}

// NewManager creates an empty Manager. Pass nil logger for default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		secrets:  make(map[string]entry),
		exported: make(map[string]string),
		logger:   logger.With("component", "secrets"),
	}
}

// Update adds or replaces secrets. Existing names not present in values are kept.
func (m *Manager) Update(values map[string]Value) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, v := range values {
		if name == "" || v == nil {
			continue
		}
		m.secrets[name] = entry{value: v, pattern: namePattern(name)}
	}
}

// Names returns the registered secret names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.secrets))
	for name := range m.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// namePattern matches name case-insensitively where it is not part of a
// longer identifier.
func namePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^A-Za-z0-9_])` + regexp.QuoteMeta(name) + `(?:[^A-Za-z0-9_]|$)`)
}

// FindSecretsInText returns the sorted names of secrets mentioned in text.
func (m *Manager) FindSecretsInText(text string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []string
	for name, e := range m.secrets {
		if e.pattern.MatchString(text) {
			found = append(found, name)
		}
	}
	sort.Strings(found)
	return found
}

// EnvVars resolves the secrets referenced by command. Secrets whose lookup
// fails or yields an empty value are skipped.
func (m *Manager) EnvVars(command string) map[string]string {
	names := m.FindSecretsInText(command)
	if len(names) == 0 {
		return nil
	}

	m.mu.RLock()
	values := make(map[string]Value, len(names))
	for _, name := range names {
		values[name] = m.secrets[name].value
	}
	m.mu.RUnlock()

	env := make(map[string]string, len(names))
	for _, name := range names {
		v, err := resolve(values[name])
		if err != nil {
			m.logger.Warn("failed to resolve secret", "name", name, "error", err)
			continue
		}
		if v == "" {
			continue
		}
		env[name] = v
	}
	return env
}

func resolve(v Value) (s string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("secret lookup panicked: %v", r)
		}
	}()
	return v()
}

// InjectIntoBashCommand prefixes command with exports for every secret it
// references. Commands that reference no secrets are returned unchanged.
func (m *Manager) InjectIntoBashCommand(command string) string {
	env := m.EnvVars(command)
	if len(env) == 0 {
		return command
	}

	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "export %s=%s && ", name, shellQuote(env[name]))
	}
	b.WriteString(command)

	m.mu.Lock()
	for name, v := range env {
		m.exported[name] = v
	}
	m.mu.Unlock()

	return b.String()
}

// shellQuote wraps s in single quotes, closing and reopening around any
// embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// MaskOutput replaces every previously exported secret value in text with
// Placeholder.
func (m *Manager) MaskOutput(text string) string {
	m.mu.RLock()
	values := make([]string, 0, len(m.exported))
	for _, v := range m.exported {
		if v != "" {
			values = append(values, v)
		}
	}
	m.mu.RUnlock()

	// Longer values first so a secret containing another is masked whole.
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		text = strings.ReplaceAll(text, v, Placeholder)
	}
	return text
}
