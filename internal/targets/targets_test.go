package targets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "https://example.com", Normalize("example.com"))
	assert.Equal(t, "https://example.com", Normalize("  example.com  "))
	assert.Equal(t, "http://example.com/a", Normalize("http://example.com/a"))
	assert.Equal(t, "https://example.com:8443", Normalize("https://example.com:8443"))
}

func TestNormalizeSchemeCase(t *testing.T) {
	assert.Equal(t, "http://Example.com/Path", Normalize("HTTP://Example.com/Path"))
	assert.Equal(t, "https://example.com", Normalize("Https://example.com"))
	assert.Equal(t, []string{"https://example.com"}, NormalizeAll([]string{"HTTPS://example.com", "example.com"}))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alive.txt")
	require.NoError(t, os.WriteFile(path, []byte("example.com\nhttp://api.example.com\n# skip\n\nexample.com\nhttps://example.com\n"), 0o600))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com", "http://api.example.com"}, got)
}
