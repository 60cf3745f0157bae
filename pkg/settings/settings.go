// Package settings is the file-backed key/value store behind "get settings"
// and "update setting".
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	ferrors "github.com/dshills/flowagent/pkg/errors"
	"github.com/dshills/flowagent/pkg/storage"
)

// Well-known keys.
const (
	KeyTheme                = "theme"
	KeyLLMModelPreference   = "llm_model_preference"
	KeyNotificationsEnabled = "notifications_enabled"
	KeyDefaultDownloadPath  = "default_download_path"
)

// Defaults returns the values every settings snapshot starts from.
func Defaults() map[string]interface{} {
	downloads := "~/Downloads"
	if home, err := os.UserHomeDir(); err == nil {
		downloads = filepath.Join(home, "Downloads")
	}
	return map[string]interface{}{
		KeyTheme:                "light",
		KeyLLMModelPreference:   "default_mock_llm",
		KeyNotificationsEnabled: true,
		KeyDefaultDownloadPath:  downloads,
	}
}

// Manager holds settings in memory and rewrites the whole file on change.
type Manager struct {
	mu     sync.RWMutex
	path   string
	values map[string]interface{}
	log    logrus.FieldLogger
}

// Open loads settings from path, layering stored values over Defaults. A
// missing file is created; an unreadable or corrupt one is replaced by the
// defaults.
func Open(path string, log logrus.FieldLogger) (*Manager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{path: path, values: Defaults(), log: log}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return m, m.save(m.values)
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var stored map[string]interface{}
	if err := json.Unmarshal(data, &stored); err != nil || stored == nil {
		log.WithField("path", path).Warn("settings file is corrupt, reverting to defaults")
		return m, m.save(m.values)
	}
	for k, v := range stored {
		m.values[k] = v
	}
	return m, nil
}

// All returns a copy of every setting.
func (m *Manager) All() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Get returns one setting.
func (m *Manager) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// String returns a setting as a string, or "" when absent or not a string.
func (m *Manager) String(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

// Keys returns the setting names, sorted.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Update sets key to value and persists all settings. Well-known keys are
// type checked. On a write failure the in-memory value is unchanged.
func (m *Manager) Update(key string, value interface{}) error {
	const op = "update setting"
	key = strings.TrimSpace(key)
	if key == "" {
		return ferrors.Validation(op, fmt.Errorf("setting key is required"))
	}
	if err := checkType(key, value); err != nil {
		return ferrors.Validation(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]interface{}, len(m.values)+1)
	for k, v := range m.values {
		next[k] = v
	}
	next[key] = value
	if err := m.save(next); err != nil {
		return ferrors.Persistence(op, "", err)
	}
	m.values = next
	return nil
}

func (m *Manager) save(values map[string]interface{}) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return storage.WriteFileAtomic(m.path, append(data, '\n'), 0644)
}

func checkType(key string, value interface{}) error {
	switch key {
	case KeyNotificationsEnabled:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s must be a boolean", key)
		}
	case KeyTheme, KeyLLMModelPreference, KeyDefaultDownloadPath:
		if s, ok := value.(string); !ok || strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s must be a non-empty string", key)
		}
	}
	return nil
}
