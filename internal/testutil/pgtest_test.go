package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsDir(t *testing.T) {
	dir, err := MigrationsDir()
	require.NoError(t, err)
	assert.Equal(t, "migrations", filepath.Base(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestMigrationsDir_NotFound(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := MigrationsDir()
	assert.Error(t, err)
}
