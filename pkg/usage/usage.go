package usage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

// Metered counters. Companies and users are point-in-time counts taken
// from the database; documents and API calls are monthly counters.
const (
	CounterDocuments = "documents"
	CounterAPICalls  = "api_calls"
)

var ErrLimitExceeded = fmt.Errorf("plan limit exceeded")

// Tracker increments monthly usage counters in redis with an in-memory
// fallback when redis is unavailable. Keys expire two months after the
// window closes so snapshots of the previous period stay readable.
type Tracker struct {
	Client *redis.Client
	Prefix string

	mu  sync.Mutex
	mem map[string]int64
}

func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{Client: client, Prefix: "usage:", mem: map[string]int64{}}
}

func (t *Tracker) key(tenant, counter, period string) string {
	return t.Prefix + tenant + ":" + counter + ":" + period
}

// Incr adds n to the tenant's counter for the current month and returns
// the new total.
func (t *Tracker) Incr(ctx context.Context, tenant, counter string, n int64) (int64, error) {
	period := time.Now().UTC().Format("2006-01")
	key := t.key(tenant, counter, period)
	if t.Client != nil {
		total, err := t.Client.IncrBy(ctx, key, n).Result()
		if err == nil {
			// refresh on every hit, two month horizon
			t.Client.Expire(ctx, key, 62*24*time.Hour)
			return total, nil
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mem[key] += n
	return t.mem[key], nil
}

// Current returns the tenant's counter value for a period.
func (t *Tracker) Current(ctx context.Context, tenant, counter, period string) (int64, error) {
	if !models.ValidPeriod(period) {
		return 0, fmt.Errorf("invalid period %q", period)
	}
	key := t.key(tenant, counter, period)
	if t.Client != nil {
		raw, err := t.Client.Get(ctx, key).Result()
		if err == nil {
			return strconv.ParseInt(raw, 10, 64)
		}
		if err == redis.Nil {
			return 0, nil
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mem[key], nil
}

// CheckAndIncr rejects the increment when it would push the monthly
// counter past the plan limit. A limit of zero or below means unlimited.
func (t *Tracker) CheckAndIncr(ctx context.Context, tenant, counter string, limit int) error {
	if limit <= 0 {
		_, err := t.Incr(ctx, tenant, counter, 1)
		return err
	}
	total, err := t.Incr(ctx, tenant, counter, 1)
	if err != nil {
		return err
	}
	if total > int64(limit) {
		return fmt.Errorf("%w: %s %d/%d", ErrLimitExceeded, counter, total, limit)
	}
	return nil
}

// Snapshot assembles the tenant's usage for a period against its plan.
func (t *Tracker) Snapshot(ctx context.Context, sub models.Subscription, period string, companies, users int) (models.UsageSnapshot, error) {
	docs, err := t.Current(ctx, sub.TenantID, CounterDocuments, period)
	if err != nil {
		return models.UsageSnapshot{}, err
	}
	calls, err := t.Current(ctx, sub.TenantID, CounterAPICalls, period)
	if err != nil {
		return models.UsageSnapshot{}, err
	}
	snap := models.UsageSnapshot{
		TenantID: sub.TenantID,
		Period:   period,
		Counters: map[string]int{
			"companies":      companies,
			"users":          users,
			CounterDocuments: int(docs),
			CounterAPICalls:  int(calls),
		},
		Limits: map[string]int{
			"companies":      sub.MaxCompanies,
			"users":          sub.MaxUsers,
			CounterDocuments: sub.MaxDocsPerMonth,
			CounterAPICalls:  sub.MaxCallsPerMonth,
		},
		FetchedAt: time.Now().UTC(),
	}
	for name, limit := range snap.Limits {
		if limit > 0 && snap.Counters[name] > limit {
			snap.Exceeded = append(snap.Exceeded, name)
		}
	}
	sort.Strings(snap.Exceeded)
	return snap, nil
}
