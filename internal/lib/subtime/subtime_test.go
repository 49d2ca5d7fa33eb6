package subtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_TableTests(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   time.Time
		wantOK bool
	}{
		{
			name:   "canonical with microseconds",
			raw:    "2025-09-07 23:59:00.000000",
			want:   time.Date(2025, 9, 7, 23, 59, 0, 0, Kyiv),
			wantOK: true,
		},
		{
			name:   "datetime without fraction",
			raw:    "2025-09-07 18:30:15",
			want:   time.Date(2025, 9, 7, 18, 30, 15, 0, Kyiv),
			wantOK: true,
		},
		{
			name:   "datetime without seconds",
			raw:    "2025-09-07 18:30",
			want:   time.Date(2025, 9, 7, 18, 30, 0, 0, Kyiv),
			wantOK: true,
		},
		{
			name:   "date only anchored to end of day",
			raw:    "2025-09-07",
			want:   time.Date(2025, 9, 7, 23, 59, 0, 0, Kyiv),
			wantOK: true,
		},
		{
			name:   "dotted date only",
			raw:    "07.09.2025",
			want:   time.Date(2025, 9, 7, 23, 59, 0, 0, Kyiv),
			wantOK: true,
		},
		{
			name:   "dotted date with time",
			raw:    "07.09.2025 18:00",
			want:   time.Date(2025, 9, 7, 18, 0, 0, 0, Kyiv),
			wantOK: true,
		},
		{
			name:   "iso with T separator",
			raw:    "2025-09-07T18:30:15",
			want:   time.Date(2025, 9, 7, 18, 30, 15, 0, Kyiv),
			wantOK: true,
		},
		{
			name:   "empty string",
			raw:    "",
			wantOK: false,
		},
		{
			name:   "whitespace only",
			raw:    "   ",
			wantOK: false,
		},
		{
			name:   "garbage",
			raw:    "not-a-date",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			}
		})
	}
}

func TestParse_ZSuffixConvertsToKyiv(t *testing.T) {
	got, ok := Parse("2025-09-07T12:00:00Z")
	require.True(t, ok)
	want := time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC)
	assert.True(t, got.Equal(want))
	assert.Equal(t, Kyiv.String(), got.Location().String())
}

func TestNormalize_IdempotentAcrossEncodings(t *testing.T) {
	// Разные кодировки одного момента дают один канонический текст.
	encodings := []string{
		"2025-09-07",
		"07.09.2025",
		"2025-09-07 23:59",
		"2025-09-07 23:59:00",
		"2025-09-07 23:59:00.000000",
	}

	want := "2025-09-07 23:59:00.000000"
	for _, raw := range encodings {
		got, ok := NormalizeRaw(raw)
		require.True(t, ok, "raw %q", raw)
		assert.Equal(t, want, got, "raw %q", raw)

		again, ok := NormalizeRaw(got)
		require.True(t, ok)
		assert.Equal(t, got, again)
	}
}

func TestDaysLeft(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, Kyiv)

	assert.InDelta(t, 1.0, DaysLeft(now.Add(24*time.Hour), now), 1e-9)
	assert.InDelta(t, 0.5, DaysLeft(now.Add(12*time.Hour), now), 1e-9)
	assert.InDelta(t, -1.0, DaysLeft(now.Add(-24*time.Hour), now), 1e-9)
}

func TestApplyDelta(t *testing.T) {
	base := time.Date(2026, 1, 31, 10, 0, 0, 0, Kyiv)

	tests := []struct {
		raw      string
		expected time.Time
		ok       bool
	}{
		{raw: "+12h", expected: base.Add(12 * time.Hour), ok: true},
		{raw: "+7d", expected: base.AddDate(0, 0, 7), ok: true},
		{raw: "+3w", expected: base.AddDate(0, 0, 21), ok: true},
		{raw: "+6m", expected: base.AddDate(0, 6, 0), ok: true},
		{raw: "7d", ok: false},       // без знака
		{raw: "+d", ok: false},       // без числа
		{raw: "+0d", ok: false},      // нулевой сдвиг
		{raw: "+5y", ok: false},      // неизвестная единица
		{raw: "+sevend", ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, ok := ApplyDelta(base, tc.raw)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.True(t, got.Equal(tc.expected))
			}
		})
	}
}
