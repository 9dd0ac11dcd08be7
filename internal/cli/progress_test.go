package cli

import (
	"testing"

	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/stretchr/testify/require"
)

func TestStartSpinnerEnabled(t *testing.T) {
	t.Parallel()
	stop := startSpinner(true, "testing")
	require.NotNil(t, stop)
	stop()
}

func TestStartSpinnerDisabled(t *testing.T) {
	t.Parallel()
	stop := startSpinner(false, "testing")
	require.NotNil(t, stop)
	stop()
}

func TestStartStageProgressFollowsStages(t *testing.T) {
	t.Parallel()
	update, stop := startStageProgress(true)
	require.NotNil(t, update)

	update(pipeline.Progress{Stage: pipeline.StageAnalyzing, Total: 1})
	update(pipeline.Progress{Stage: pipeline.StageTranscribing, Done: 2, Total: 5})
	update(pipeline.Progress{Stage: pipeline.StageDone, Done: 5, Total: 5})
	stop()
	stop()

	// Updates after stop are ignored.
	update(pipeline.Progress{Stage: pipeline.StageDone, Done: 5, Total: 5})
}

func TestStartStageProgressDisabled(t *testing.T) {
	t.Parallel()
	update, stop := startStageProgress(false)
	update(pipeline.Progress{Stage: pipeline.StageTranscribing, Done: 1, Total: 3})
	stop()
}
