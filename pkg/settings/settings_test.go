package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowagent/internal/log"
	ferrors "github.com/dshills/flowagent/pkg/errors"
)

func TestOpenCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	m, err := Open(path, log.Discard())
	require.NoError(t, err)

	all := m.All()
	assert.Equal(t, "light", all[KeyTheme])
	assert.Equal(t, "default_mock_llm", all[KeyLLMModelPreference])
	assert.Equal(t, true, all[KeyNotificationsEnabled])
	assert.Contains(t, all[KeyDefaultDownloadPath], "Downloads")

	_, err = os.Stat(path)
	assert.NoError(t, err, "defaults are written on first open")
}

func TestOpenMergesStoredOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"theme":"dark","custom":42}`), 0644))

	m, err := Open(path, log.Discard())
	require.NoError(t, err)
	assert.Equal(t, "dark", m.String(KeyTheme))
	assert.Equal(t, "default_mock_llm", m.String(KeyLLMModelPreference))
	v, ok := m.Get("custom")
	assert.True(t, ok)
	assert.Equal(t, float64(42), v)
}

func TestOpenCorruptFileResetsToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0644))

	m, err := Open(path, log.Discard())
	require.NoError(t, err)
	assert.Equal(t, "light", m.String(KeyTheme))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &stored), "corrupt file is rewritten")
}

func TestUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m, err := Open(path, log.Discard())
	require.NoError(t, err)

	require.NoError(t, m.Update(KeyTheme, "dark"))
	require.NoError(t, m.Update("font_size", float64(14)))

	reopened, err := Open(path, log.Discard())
	require.NoError(t, err)
	assert.Equal(t, "dark", reopened.String(KeyTheme))
	v, _ := reopened.Get("font_size")
	assert.Equal(t, float64(14), v)
	assert.Contains(t, reopened.Keys(), "font_size")
}

func TestUpdateValidation(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "settings.json"), log.Discard())
	require.NoError(t, err)

	tests := []struct {
		key   string
		value interface{}
	}{
		{"", "x"},
		{KeyNotificationsEnabled, "yes"},
		{KeyTheme, 3},
		{KeyTheme, " "},
	}
	for _, tt := range tests {
		err := m.Update(tt.key, tt.value)
		assert.True(t, errors.Is(err, ferrors.ErrValidation), "%q=%v", tt.key, tt.value)
	}
	assert.Equal(t, "light", m.String(KeyTheme))
}

func TestUpdatePersistenceFailureKeepsValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	m, err := Open(path, log.Discard())
	require.NoError(t, err)

	// Replace the file with a non-empty directory so the rename fails.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0755))

	err = m.Update(KeyTheme, "dark")
	assert.True(t, errors.Is(err, ferrors.ErrPersistence))
	assert.Equal(t, "light", m.String(KeyTheme))
}
