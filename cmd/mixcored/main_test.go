package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	require.Equal(t, 2, run([]string{"frobnicate"}))
}

func TestRunRejectsMissingArgs(t *testing.T) {
	require.Equal(t, 2, run(nil))
	require.Equal(t, 2, run([]string{"session"}))
	require.Equal(t, 2, run([]string{"session", "show"}))
	require.Equal(t, 2, run([]string{"alerts"}))
	require.Equal(t, 2, run([]string{"alerts", "ack"}))
	require.Equal(t, 2, run([]string{"maintenance"}))
	require.Equal(t, 2, run([]string{"maintenance", "sideways"}))
}

func TestHelpExitsZero(t *testing.T) {
	require.Equal(t, 0, run([]string{"--help"}))
}
