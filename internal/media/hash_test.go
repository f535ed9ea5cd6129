package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	hash, size, err := StreamSHA256(path)
	require.NoError(t, err)

	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", hash)
	assert.Equal(t, int64(11), size)
}

func TestStreamSHA256_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	hash, size, err := StreamSHA256(path)
	require.NoError(t, err)

	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hash)
	assert.Equal(t, int64(0), size)
}

func TestStreamSHA256_MissingFile(t *testing.T) {
	_, _, err := StreamSHA256(filepath.Join(t.TempDir(), "nope.bin"))
	assert.Error(t, err)
}

func TestStreamSHA256_Deterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.bin")
	require.NoError(t, os.WriteFile(path, []byte("same bytes"), 0o644))

	h1, _, err := StreamSHA256(path)
	require.NoError(t, err)
	h2, _, err := StreamSHA256(path)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}
