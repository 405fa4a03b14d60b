package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/merrors"
)

func TestEntry_FieldsRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	e := Entry{Data: `{"foo":"bar"}`, Attempt: 2, Timestamp: now, NextRetryAt: now.Add(time.Minute)}

	se := chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{}}
	for k, v := range e.Fields() {
		se.Fields[k] = v.(string)
	}

	parsed, err := ParseEntry(se)
	require.NoError(t, err)
	assert.Equal(t, e.Data, parsed.Data)
	assert.Equal(t, e.Attempt, parsed.Attempt)
	assert.True(t, e.Timestamp.Equal(parsed.Timestamp))
	assert.True(t, e.NextRetryAt.Equal(parsed.NextRetryAt))
}

func TestParseEntry_MissingData(t *testing.T) {
	_, err := ParseEntry(chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{}})
	assert.ErrorIs(t, err, merrors.ErrMalformedEntry)
}

func TestParseEntry_BadAttempt(t *testing.T) {
	_, err := ParseEntry(chatmodel.StreamEntry{ID: "1-0", Fields: map[string]string{
		"data": "x", "attempt": "not-a-number",
	}})
	assert.ErrorIs(t, err, merrors.ErrMalformedEntry)
}

func TestBackoffWithJitter_Grows(t *testing.T) {
	base := 100 * time.Millisecond
	noJitter := func() float64 { return 0.5 } // midpoint, zero offset

	d0 := BackoffWithJitter(base, 0, 0.10, noJitter)
	d1 := BackoffWithJitter(base, 1, 0.10, noJitter)
	d2 := BackoffWithJitter(base, 2, 0.10, noJitter)

	assert.Equal(t, base, d0)
	assert.Equal(t, 2*base, d1)
	assert.Equal(t, 4*base, d2)
}

func TestBackoffWithJitter_StaysWithinSpread(t *testing.T) {
	base := 100 * time.Millisecond
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 1} {
		d := BackoffWithJitter(base, 3, 0.10, func() float64 { return r })
		lower := float64(base<<3) * 0.9
		upper := float64(base<<3) * 1.1
		assert.GreaterOrEqual(t, float64(d), lower)
		assert.LessOrEqual(t, float64(d), upper)
	}
}
