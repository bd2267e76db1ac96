package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisec/lockdown-agent/internal/ingest"
)

func TestOpenStore(t *testing.T) {
	s, err := openStore("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &ingest.MemoryStore{}, s)

	s, err = openStore("sqlite", filepath.Join(t.TempDir(), "logs.db"))
	require.NoError(t, err)
	assert.IsType(t, &ingest.SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = openStore("mongo", "")
	assert.Error(t, err)
}
