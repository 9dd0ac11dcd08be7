package cli

import (
	"os"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/pipeline"
	"github.com/schollz/progressbar/v3"
)

type stopFunc func()

func startSpinner(enabled bool, description string) stopFunc {
	if !enabled {
		return func() {}
	}

	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}

// startStageProgress renders pipeline progress as a bar whose description
// follows the current stage.
func startStageProgress(enabled bool) (pipeline.ProgressFunc, stopFunc) {
	if !enabled {
		return func(pipeline.Progress) {}, func() {}
	}

	bar := progressbar.NewOptions(
		1,
		progressbar.OptionSetDescription(pipeline.StageAnalyzing),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	var mu sync.Mutex
	stopped := false
	update := func(p pipeline.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		bar.Describe(p.Stage)
		if p.Total > 0 {
			bar.ChangeMax(p.Total)
			_ = bar.Set(p.Done)
		}
	}

	var once sync.Once
	return update, func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			stopped = true
			_ = bar.Finish()
		})
	}
}
