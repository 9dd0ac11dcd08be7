package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewQuoteRoundsUpToWholeMinutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		duration time.Duration
		cost     int64
	}{
		{"empty duration bills one minute", 0, 10},
		{"one second", time.Second, 10},
		{"exactly one minute", time.Minute, 10},
		{"just over a minute", time.Minute + time.Millisecond, 20},
		{"ten minutes", 10 * time.Minute, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.cost, NewQuote(tt.duration, 0, 10).Cost)
		})
	}
}

func TestQuoteCostIsMonotonicInDuration(t *testing.T) {
	t.Parallel()

	prev := int64(0)
	for d := time.Duration(0); d <= 3*time.Hour; d += 7 * time.Second {
		cost := NewQuote(d, 0, 10).Cost
		require.GreaterOrEqual(t, cost, prev, "duration %s", d)
		prev = cost
	}
}

func TestQuoteShortage(t *testing.T) {
	t.Parallel()

	q := NewQuote(10*time.Minute, 9_600_000, 10)
	require.EqualValues(t, 100, q.Cost)
	require.Equal(t, 600, q.DurationSeconds)
	require.InDelta(t, 9.16, q.FileSizeMB, 0.01)
	require.Equal(t, "128 kbps, high quality", q.QualityInfo)

	ok, shortage := q.CanAfford(95)
	require.False(t, ok)
	require.EqualValues(t, 5, shortage)

	ok, shortage = q.CanAfford(100)
	require.True(t, ok)
	require.Zero(t, shortage)
}
