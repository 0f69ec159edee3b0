package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--offset", "30", "--limit", "10", "--config", "x.yaml"}))

	offset, err := cmd.Flags().GetInt64("offset")
	require.NoError(t, err)
	require.Equal(t, int64(30), offset)
	require.True(t, cmd.Flags().Changed("limit"))
	require.False(t, cmd.Flags().Changed("jobs"))

	check, _, err := cmd.Find([]string{"check-session"})
	require.NoError(t, err)
	require.Equal(t, "check-session", check.Name())
	require.NotNil(t, check.Flags().Lookup("athlete"))
}
