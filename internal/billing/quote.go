// Package billing prices transcriptions and moves coins on user balances.
package billing

import (
	"fmt"
	"math"
	"time"
)

// Quote is the price offered for one transcription. It is never persisted.
type Quote struct {
	DurationSeconds int     `json:"duration_seconds"`
	Cost            int64   `json:"cost"`
	CostPerMinute   int64   `json:"cost_per_minute"`
	FileSizeMB      float64 `json:"file_size_mb"`
	QualityInfo     string  `json:"quality_info,omitempty"`
}

// BillableMinutes rounds duration up to whole minutes, with a minimum of one.
func BillableMinutes(duration time.Duration) int64 {
	if duration <= 0 {
		return 1
	}
	minutes := int64(math.Ceil(duration.Minutes()))
	return max(minutes, 1)
}

func NewQuote(duration time.Duration, sizeBytes, costPerMinute int64) Quote {
	seconds := int(math.Ceil(duration.Seconds()))
	return Quote{
		DurationSeconds: seconds,
		Cost:            BillableMinutes(duration) * costPerMinute,
		CostPerMinute:   costPerMinute,
		FileSizeMB:      math.Round(float64(sizeBytes)/(1<<20)*100) / 100,
		QualityInfo:     qualityInfo(sizeBytes, seconds),
	}
}

// CanAfford reports whether balance covers the quote and, if not, by how
// much it falls short.
func (q Quote) CanAfford(balance int64) (bool, int64) {
	if balance >= q.Cost {
		return true, 0
	}
	return false, q.Cost - balance
}

func qualityInfo(sizeBytes int64, seconds int) string {
	if sizeBytes <= 0 || seconds <= 0 {
		return ""
	}
	kbps := float64(sizeBytes) * 8 / float64(seconds) / 1000
	switch {
	case kbps < 24:
		return fmt.Sprintf("%.0f kbps, low bitrate: accuracy may suffer", kbps)
	case kbps < 96:
		return fmt.Sprintf("%.0f kbps, speech quality", kbps)
	default:
		return fmt.Sprintf("%.0f kbps, high quality", kbps)
	}
}
