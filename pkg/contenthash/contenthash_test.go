package contenthash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dockerfile = "FROM node:20-alpine\nWORKDIR /app\nCOPY . .\nRUN npm ci && npm run build\nCMD [\"npm\", \"start\"]\n"

func TestFileIsDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Dockerfile")
	require.NoError(t, os.WriteFile(path, []byte(dockerfile), 0o644))

	first, err := File(path)
	require.NoError(t, err)
	second, err := File(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, Sum([]byte(dockerfile)), first)
	assert.Len(t, first.String(), 64)
	assert.Equal(t, first.String()[:TagLength], first.Tag())
}

func TestOneByteChangesTag(t *testing.T) {
	changed := []byte(dockerfile)
	changed[len(changed)-2] = '}'

	assert.NotEqual(t, Sum([]byte(dockerfile)).Tag(), Sum(changed).Tag())
}

func TestFileMissing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestShortDigestTag(t *testing.T) {
	assert.Equal(t, "abc", Digest("abc").Tag())
}
