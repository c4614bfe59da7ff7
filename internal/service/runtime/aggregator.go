package runtime

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
)

const defaultRollupSamples = 512

type bucketKey struct {
	projectID string
	outcome   string
	start     time.Time
}

// latencyBucket accumulates one rollup row. samples is a uniform reservoir
// of at most maxSamples latencies out of seen.
type latencyBucket struct {
	seen    int64
	sum     float64
	max     float64
	samples []float64
}

// rollupAggregator folds execution records into per project, per outcome
// latency buckets of a fixed span.
type rollupAggregator struct {
	mu         sync.Mutex
	span       time.Duration
	maxSamples int
	now        func() time.Time
	rng        *rand.Rand
	open       map[bucketKey]*latencyBucket
}

func newRollupAggregator(span time.Duration, maxSamples int, now func() time.Time) *rollupAggregator {
	if span <= 0 {
		span = time.Minute
	}
	if maxSamples <= 0 {
		maxSamples = defaultRollupSamples
	}
	if now == nil {
		now = time.Now
	}
	return &rollupAggregator{
		span:       span,
		maxSamples: maxSamples,
		now:        now,
		rng:        rand.New(rand.NewSource(now().UnixNano())),
		open:       make(map[bucketKey]*latencyBucket),
	}
}

func (a *rollupAggregator) add(rec domain.ExecutionRecord) {
	if a == nil {
		return
	}
	outcome := cmp.Or(rec.Outcome, domain.OutcomeError)
	key := bucketKey{projectID: rec.ProjectID, outcome: outcome, start: rec.StartedAt.UTC().Truncate(a.span)}
	ms := rec.DurationMS

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.open[key]
	if !ok {
		b = &latencyBucket{max: ms}
		a.open[key] = b
	}
	b.seen++
	b.sum += ms
	b.max = max(b.max, ms)
	switch {
	case len(b.samples) < a.maxSamples:
		b.samples = append(b.samples, ms)
	default:
		if i := a.rng.Int63n(b.seen); i < int64(a.maxSamples) {
			b.samples[i] = ms
		}
	}
}

// flushBefore removes and returns the buckets that closed at or before
// cutoff.
func (a *rollupAggregator) flushBefore(cutoff time.Time) []domain.ExecutionRollup {
	return a.drain(func(k bucketKey) bool { return !k.start.Add(a.span).After(cutoff) })
}

// flushAll removes and returns every bucket, open or closed.
func (a *rollupAggregator) flushAll() []domain.ExecutionRollup {
	return a.drain(func(bucketKey) bool { return true })
}

func (a *rollupAggregator) drain(ready func(bucketKey) bool) []domain.ExecutionRollup {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []domain.ExecutionRollup
	now := a.now()
	for k, b := range a.open {
		if !ready(k) {
			continue
		}
		out = append(out, b.rollup(k, a.span, now))
		delete(a.open, k)
	}
	slices.SortFunc(out, func(x, y domain.ExecutionRollup) int {
		return cmp.Or(
			x.BucketStart.Compare(y.BucketStart),
			cmp.Compare(x.ProjectID, y.ProjectID),
			cmp.Compare(x.Outcome, y.Outcome),
		)
	})
	return out
}

func (b *latencyBucket) rollup(k bucketKey, span time.Duration, now time.Time) domain.ExecutionRollup {
	r := domain.ExecutionRollup{
		ProjectID:   k.projectID,
		BucketStart: k.start,
		BucketSpan:  span,
		Outcome:     k.outcome,
		Count:       b.seen,
		UpdatedAt:   now,
	}
	if b.seen == 0 {
		return r
	}
	r.AvgMS = ptr(b.sum / float64(b.seen))
	r.MaxMS = ptr(b.max)
	if len(b.samples) > 0 {
		sorted := slices.Clone(b.samples)
		slices.Sort(sorted)
		r.P50MS = ptr(percentile(sorted, 0.50))
		r.P95MS = ptr(percentile(sorted, 0.95))
		r.P99MS = ptr(percentile(sorted, 0.99))
	}
	return r
}

func ptr[T any](v T) *T { return &v }

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[n-1]
	}
	pos := p * float64(n-1)
	lo, frac := math.Modf(pos)
	i := int(lo)
	if frac == 0 || i+1 >= n {
		return sorted[i]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*frac
}
