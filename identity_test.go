package admitgate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/admitgate"
)

func TestDayOf_LocalCalendarDay(t *testing.T) {
	// 2026-08-29 23:30 UTC.
	at := time.Date(2026, 8, 29, 23, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		offset int
		want   admitgate.DayKey
	}{
		{"utc", 0, "2026-08-29"},
		{"tokyo is already tomorrow", 9 * 60, "2026-08-30"},
		{"honolulu is still today", -10 * 60, "2026-08-29"},
		{"offset clamped high", 20 * 60, "2026-08-30"},
		{"offset clamped low", -20 * 60, "2026-08-29"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, admitgate.DayOf(at, tt.offset))
		})
	}
}

func TestIdentity_Validate(t *testing.T) {
	valid := admitgate.Identity{
		Signals: &admitgate.Signals{AddressHash: "a", Fingerprint: "f", Day: "2026-08-29"},
	}
	require.NoError(t, valid.Validate())

	// Anonymous with no signals cannot be metered.
	require.Error(t, admitgate.Identity{}.Validate())

	// Anonymous with a partial signal pair is rejected too.
	partial := admitgate.Identity{
		Signals: &admitgate.Signals{AddressHash: "a", Day: "2026-08-29"},
	}
	require.Error(t, partial.Validate())

	// An account alone is fine; signals are optional for accounts.
	require.NoError(t, admitgate.Identity{AccountID: "acct"}.Validate())

	// Signals without a day key are unusable for quota tracking.
	noDay := admitgate.Identity{
		AccountID: "acct",
		Signals:   &admitgate.Signals{AddressHash: "a", Fingerprint: "f"},
	}
	require.Error(t, noDay.Validate())
}
