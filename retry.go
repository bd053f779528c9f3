package tablestore

import (
	"context"
	log "log/slog"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
)

// jitterRNG is the random source used for sleep jitter. Overridable for
// deterministic tests.
var jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// SetJitterRNG overrides the RNG used for jittered sleeps.
func SetJitterRNG(r *rand.Rand) {
	if r != nil {
		jitterRNG = r
	}
}

// Now is the injectable clock used wherever the engine needs wall time
// (time-ordered UUIDs such as lifecycle-transaction ids, memtable ages and
// flush-period checks, truncation timestamps). Tests
// substitute a deterministic clock.
var Now = time.Now

// RetryIO executes task with Fibonacci backoff up to maxAttempts retries, used
// by the flush pipeline and compaction manager to absorb transient IO errors
// before escalating per the error policy in SPEC_FULL.md.
func RetryIO(ctx context.Context, maxAttempts uint64, task func(ctx context.Context) error) error {
	b := retry.NewFibonacci(50 * time.Millisecond)
	err := retry.Do(ctx, retry.WithMaxRetries(maxAttempts, b), func(ctx context.Context) error {
		if err := task(ctx); err != nil {
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		log.Warn("retry exhausted", "error", err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if context.Canceled == err || context.DeadlineExceeded == err {
		return false
	}
	if e, ok := err.(*Error); ok {
		return e.Code == FsRead || e.Code == FsWrite
	}
	return true
}

// RandomJitter returns a duration jittered by a random multiple (1..4) of
// unit, used to stagger conflicting compaction/flush retries — e.g.
// compaction.Manager backing off a background submission that found every
// pool slot busy, so tables whose thresholds trip on the same write don't
// all retry on the same tick.
func RandomJitter(unit time.Duration) time.Duration {
	n := jitterRNG.Intn(4) + 1
	return time.Duration(n) * unit
}

// SleepContext blocks for d or until ctx is done, whichever happens first.
func SleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
