package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fmueller/voxscribe/internal/cli"
	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/stretchr/testify/require"
)

func TestShouldPrintUsageHint(t *testing.T) {
	t.Parallel()

	require.True(t, shouldPrintUsageHint(errors.New("unknown command \"bad\" for \"voxscribe\"")))
	require.True(t, shouldPrintUsageHint(errors.New("unknown flag: --oops")))
	require.True(t, shouldPrintUsageHint(errors.New("accepts 1 arg(s), received 0")))
	require.False(t, shouldPrintUsageHint(errors.New("download model \"small\": context deadline exceeded")))
	require.False(t, shouldPrintUsageHint(nil))
}

func TestHelpHintTarget(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	require.Equal(t, "voxscribe", helpHintTarget(root, []string{"--badflag"}))
	require.Equal(t, "voxscribe", helpHintTarget(root, []string{"badcmd"}))
	require.Equal(t, "voxscribe transcribe", helpHintTarget(root, []string{"transcribe"}))
	require.Equal(t, "voxscribe quote", helpHintTarget(root, []string{"quote", "--balance", "5"}))
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, 3, exitCode(fmt.Errorf("run: %w", faults.ErrNoSpeech)))
	require.Equal(t, 3, exitCode(faults.ErrUnsupportedFormat))
	require.Equal(t, 1, exitCode(errors.New("boom")))
}
