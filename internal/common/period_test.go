package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodKey(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"mid year", time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC), "2026-W11"},
		{"first monday", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "2026-W02"},
		{"new year friday belongs to previous iso year", time.Date(2027, 1, 1, 9, 0, 0, 0, time.UTC), "2026-W53"},
		{"sunday still same week", time.Date(2026, 3, 15, 23, 59, 0, 0, time.UTC), "2026-W11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PeriodKey(tt.at, time.UTC)
			assert.Equal(t, tt.want, got)
			assert.True(t, IsPeriodKey(got))
		})
	}
}

func TestPeriodKey_UsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("Pacific/Auckland")
	require.NoError(t, err)

	// Sunday 20:00 UTC is already Monday morning in Auckland
	at := time.Date(2026, 3, 15, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-W11", PeriodKey(at, time.UTC))
	assert.Equal(t, "2026-W12", PeriodKey(at, loc))
}

func TestIsPeriodKey(t *testing.T) {
	assert.True(t, IsPeriodKey("2026-W01"))
	assert.True(t, IsPeriodKey("2026-W53"))
	assert.False(t, IsPeriodKey("2026-W00"))
	assert.False(t, IsPeriodKey("2026-W54"))
	assert.False(t, IsPeriodKey("2026-11"))
	assert.False(t, IsPeriodKey(""))
}
