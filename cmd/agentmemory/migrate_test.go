package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrate_SQLiteFlags(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "memory.db")

	var out, errOut bytes.Buffer
	require.Equal(t, 0, runMigrate([]string{"up", "--driver", "sqlite", "--dsn", dsn}, &out, &errOut), errOut.String())

	out.Reset()
	require.Equal(t, 0, runMigrate([]string{"version", "--driver", "sqlite", "--dsn", dsn}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "version 2")

	errOut.Reset()
	assert.Equal(t, 1, runMigrate([]string{"down", "--driver", "sqlite", "--dsn", dsn}, &out, &errOut))
	assert.Contains(t, errOut.String(), "--yes")
	require.Equal(t, 0, runMigrate([]string{"down", "--yes", "--driver", "sqlite", "--dsn", dsn}, &out, &errOut), errOut.String())
}

func TestRunMigrate_RequiresSQLBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: memory\n"), 0o600))

	var out, errOut bytes.Buffer
	assert.Equal(t, 1, runMigrate([]string{"up", "--config", path}, &out, &errOut))
	assert.Contains(t, errOut.String(), "has no migrations")
}

func TestRunMigrate_Usage(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, runMigrate([]string{"help"}, &out, &errOut))
	assert.Contains(t, out.String(), "Subcommands:")

	assert.Equal(t, 1, runMigrate(nil, &out, &errOut))
	assert.Equal(t, 2, runMigrate([]string{"up", "--bogus"}, &out, &errOut))
}
