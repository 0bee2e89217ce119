// Package chunk derives allowance chunks from subscriptions and merges the
// per-subscription streams in time order.
package chunk

import (
	"time"

	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
)

// Bounds limits generation. A zero Since yields from the subscription start;
// a zero Until yields up to the subscription end.
type Bounds struct {
	Since time.Time
	Until time.Time
}

// Generate yields the chunks of sub ascending by (start, end). Quotas are
// expected in catalog order, which breaks ties.
func Generate(sub subscriptiondomain.Subscription, quotas []catalogdomain.QuotaSpec, bounds Bounds) quotadomain.Iterator {
	inputs := make([]quotadomain.Iterator, 0, len(quotas))
	for _, q := range quotas {
		inputs = append(inputs, newQuotaIterator(sub, q, bounds))
	}
	if len(inputs) == 1 {
		return inputs[0]
	}
	return Merge(inputs...)
}

type quotaIterator struct {
	quota   catalogdomain.QuotaSpec
	start   time.Time
	end     time.Time
	since   time.Time
	until   time.Time
	minimum time.Time
	remains int64
	index   int
	done    bool
}

func newQuotaIterator(sub subscriptiondomain.Subscription, q catalogdomain.QuotaSpec, bounds Bounds) *quotaIterator {
	start, end := sub.StartAt.UTC(), sub.EndAt.UTC()
	it := &quotaIterator{
		quota:   q,
		start:   start,
		end:     end,
		since:   bounds.Since,
		until:   bounds.Until,
		minimum: start,
		remains: q.Limit * sub.Quantity,
	}
	if it.until.IsZero() || it.until.After(end) {
		it.until = end
	}
	if !q.RechargePeriod.Positive() || !q.BurnsIn.Positive() {
		it.done = true
		return it
	}

	if !bounds.Since.IsZero() {
		// A chunk starting before since-burn has burned out by since.
		if lower := q.BurnsIn.Before(bounds.Since).Add(time.Millisecond); lower.After(it.minimum) {
			it.minimum = lower
		}
	}
	if d, ok := q.RechargePeriod.Fixed(); ok && it.minimum.After(it.start) {
		gap := it.minimum.Sub(it.start)
		it.index = int(gap / d)
		if gap%d != 0 {
			it.index++
		}
	}
	return it
}

func (it *quotaIterator) Next() (*quotadomain.Chunk, bool) {
	for !it.done {
		if it.index > 0 && it.quota.RechargePeriod.IsInfinite() {
			it.done = true
			break
		}
		start := it.quota.RechargePeriod.Add(it.start, it.index)
		it.index++
		if start.After(it.until) || !start.Before(it.end) {
			it.done = true
			break
		}
		if start.Before(it.minimum) {
			continue
		}

		end := it.quota.BurnsIn.After(start)
		if end.After(it.end) {
			end = it.end
		}
		if !it.since.IsZero() && !end.After(it.since) {
			continue
		}
		return &quotadomain.Chunk{
			ResourceID: it.quota.ResourceID,
			Resource:   it.quota.Resource,
			Start:      start,
			End:        end,
			Remains:    it.remains,
		}, true
	}
	return nil, false
}

func (it *quotaIterator) Err() error { return nil }
