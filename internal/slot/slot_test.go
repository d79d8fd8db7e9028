package slot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, int64(1700000000-1700000000%3600), Truncate(1700000000))
	assert.Equal(t, int64(1700010000), Truncate(1700010000))
	assert.Equal(t, int64(1700010000), Truncate(1700010000+1799))
	assert.Equal(t, int64(0), Truncate(59))
}

func TestKeyFor(t *testing.T) {
	hours := Hours{Open: 8, Close: 18}

	day := time.Date(2023, time.November, 14, 23, 45, 12, 0, time.UTC)
	ts, err := KeyFor(day, 9, hours)
	require.NoError(t, err)

	want := time.Date(2023, time.November, 14, 9, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, ts)
	assert.Equal(t, ts, Truncate(ts), "key must already be hour-aligned")
}

func TestKeyForSameBucketRegardlessOfTimeOfDay(t *testing.T) {
	hours := Hours{Open: 8, Close: 18}

	morning := time.Date(2023, time.November, 14, 0, 1, 0, 0, time.UTC)
	evening := time.Date(2023, time.November, 14, 23, 59, 59, 0, time.UTC)

	a, err := KeyFor(morning, 10, hours)
	require.NoError(t, err)
	b, err := KeyFor(evening, 10, hours)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestKeyForOutsideWorkingHours(t *testing.T) {
	hours := Hours{Open: 8, Close: 18}
	day := time.Date(2023, time.November, 14, 0, 0, 0, 0, time.UTC)

	_, err := KeyFor(day, 7, hours)
	assert.ErrorIs(t, err, ErrOutsideHours)

	// Close is exclusive.
	_, err = KeyFor(day, 18, hours)
	assert.ErrorIs(t, err, ErrOutsideHours)

	_, err = KeyFor(day, 17, hours)
	assert.NoError(t, err)
}

func TestParseKey(t *testing.T) {
	ts, err := ParseKey("1700010000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700010000), ts)

	_, err = ParseKey("not-a-number")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKey("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKey("-5")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestFormatKeyRoundTrip(t *testing.T) {
	ts := int64(1700010000)
	parsed, err := ParseKey(FormatKey(ts))
	require.NoError(t, err)
	assert.Equal(t, ts, parsed)
}

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"available", "unavailable", "booked"} {
		st, err := ParseStatus(raw)
		require.NoError(t, err)
		assert.True(t, st.Valid())
	}

	_, err := ParseStatus("open")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = ParseStatus("")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assert.False(t, Status("deleted").Valid())
}

func TestHoursContains(t *testing.T) {
	h := Hours{Open: 8, Close: 18}
	assert.True(t, h.Contains(8))
	assert.True(t, h.Contains(17))
	assert.False(t, h.Contains(18))
	assert.False(t, h.Contains(7))
}
