package main

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/teletherapy-platform/migrations"
)

func TestIntArg(t *testing.T) {
	n, err := intArg([]string{"down"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = intArg([]string{"down", "3"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = intArg([]string{"force"}, -1)
	assert.Error(t, err)

	_, err = intArg([]string{"force", "-2"}, -1)
	assert.Error(t, err)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrations.FS, "*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrations.FS, "*.down.sql")
	require.NoError(t, err)

	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
