package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/careline/migrations"
	"github.com/wolfman30/careline/pkg/logging"
)

func TestParseArgs(t *testing.T) {
	cases := []struct {
		args    []string
		cmd     string
		n       int
		wantErr bool
	}{
		{nil, "up", 0, false},
		{[]string{"up"}, "up", 0, false},
		{[]string{"version"}, "version", 0, false},
		{[]string{"down", "1"}, "down", 1, false},
		{[]string{"force", "0"}, "force", 0, false},
		{[]string{"down"}, "", 0, true},
		{[]string{"down", "0"}, "", 0, true},
		{[]string{"force", "x"}, "", 0, true},
		{[]string{"sideways"}, "", 0, true},
	}
	for _, tc := range cases {
		cmd, n, err := parseArgs(tc.args)
		if tc.wantErr {
			assert.Error(t, err, "%v", tc.args)
			continue
		}
		require.NoError(t, err, "%v", tc.args)
		assert.Equal(t, tc.cmd, cmd)
		assert.Equal(t, tc.n, n)
	}
}

func TestRunRequiresDatabaseURL(t *testing.T) {
	err := run("", nil, logging.New("error"))
	assert.EqualError(t, err, "DATABASE_URL is required")
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	up, err := migrations.FS.ReadFile("0001_init.up.sql")
	require.NoError(t, err)
	down, err := migrations.FS.ReadFile("0001_init.down.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "CREATE UNIQUE INDEX IF NOT EXISTS uniq_conversations_open_patient")
	assert.Contains(t, string(up), "CREATE UNIQUE INDEX IF NOT EXISTS uniq_drafts_open")
	assert.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS danger_escalations")
	assert.Contains(t, string(down), "DROP TABLE IF EXISTS conversations;")
}
