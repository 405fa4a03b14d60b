// Package resilience implements the WAL/Retry/Fallback/DLQ worker pipeline
// and the memory monitor that backs the publication pipeline's failure
// policy: a primary-store write that fails under the circuit breaker is
// staged here instead of lost, retried with backoff, and eventually either
// recovered or parked in the dead-letter stream.
package resilience

import (
	"fmt"
	"strconv"
	"time"

	"github.com/chatcore/messaging-core/internal/chatmodel"
	"github.com/chatcore/messaging-core/internal/merrors"
)

// Entry is the WAL/Retry/Fallback record shape: the original domain payload
// plus the bookkeeping needed to decide when and how many times to retry it.
type Entry struct {
	Data        string
	Attempt     int
	Timestamp   time.Time
	NextRetryAt time.Time
}

// Fields renders the entry as the flat string map XADD expects.
func (e Entry) Fields() map[string]interface{} {
	return map[string]interface{}{
		"data":        e.Data,
		"attempt":     strconv.Itoa(e.Attempt),
		"timestamp":   e.Timestamp.Format(time.RFC3339Nano),
		"nextRetryAt": e.NextRetryAt.Format(time.RFC3339Nano),
	}
}

// ParseEntry decodes a staged stream entry back into an Entry. A malformed
// entry (missing data, unparsable attempt/timestamps) returns
// merrors.ErrMalformedEntry so the caller can XDEL it without re-enqueueing.
func ParseEntry(se chatmodel.StreamEntry) (Entry, error) {
	data, ok := se.Fields["data"]
	if !ok || data == "" {
		return Entry{}, fmt.Errorf("%w: missing data field", merrors.ErrMalformedEntry)
	}

	attempt := 1
	if raw, ok := se.Fields["attempt"]; ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: bad attempt: %v", merrors.ErrMalformedEntry, err)
		}
		attempt = n
	}

	ts := time.Now()
	if raw, ok := se.Fields["timestamp"]; ok && raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: bad timestamp: %v", merrors.ErrMalformedEntry, err)
		}
		ts = parsed
	}

	nextRetry := ts
	if raw, ok := se.Fields["nextRetryAt"]; ok && raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: bad nextRetryAt: %v", merrors.ErrMalformedEntry, err)
		}
		nextRetry = parsed
	}

	return Entry{Data: data, Attempt: attempt, Timestamp: ts, NextRetryAt: nextRetry}, nil
}

// BackoffWithJitter returns base*2^attempt, jittered by +/-jitterPercent.
// The processor passes the failed entry's attempt number, which is 1 for a
// freshly staged entry, so the first reschedule waits about 2*base.
func BackoffWithJitter(base time.Duration, attempt int, jitterPercent float64, rand func() float64) time.Duration {
	d := base << attempt
	if jitterPercent <= 0 {
		return d
	}
	spread := float64(d) * jitterPercent
	offset := (rand()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
