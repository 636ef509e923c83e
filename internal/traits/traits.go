// Package traits computes derived user attributes: build an evaluation context
// from a user's events, evaluate every TraitDefinition against it, and upsert the
// results in one transaction.
package traits

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cajpany/tinycdp/internal/dsl"
	"github.com/cajpany/tinycdp/internal/eventstore"
	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
	"github.com/cajpany/tinycdp/internal/util"
)

// metricWindows maps the windowed per-event-name metrics exposed under
// events.<name>.<metric> to their lookback periods.
var metricWindows = map[string]time.Duration{
	"count_7d":        eventstore.Window7d,
	"count_14d":       eventstore.Window14d,
	"count_30d":       eventstore.Window30d,
	"unique_days_7d":  eventstore.Window7d,
	"unique_days_14d": eventstore.Window14d,
	"unique_days_30d": eventstore.Window30d,
}

// Computer owns the per-user keyed lock (internal/util/keyedlock.go) that
// serializes recomputation for a single user while leaving other users free to
// run concurrently.
type Computer struct {
	store  store.Store
	events *eventstore.EventStore
	locks  *util.KeyedLock
	log    *logging.Loggers
	now    func() time.Time
}

// New constructs a Computer. now defaults to time.Now; tests may override it to
// exercise clock-advance behavior deterministically.
func New(s store.Store, events *eventstore.EventStore, log *logging.Loggers) *Computer {
	if log == nil {
		log = logging.NewDisabledLoggers()
	}
	return &Computer{store: s, events: events, locks: util.NewKeyedLock(), log: log, now: time.Now}
}

// SetClock overrides the time source; for tests only.
func (c *Computer) SetClock(now func() time.Time) { c.now = now }

// Recompute builds userID's TraitContext, evaluates every TraitDefinition in key
// order, and upserts (userID, key) -> (value, updatedAt) in one transaction. It is
// serialized per userID by a keyed lock so two concurrent recomputations for the
// same user never interleave their upserts; different users recompute freely in
// parallel.
func (c *Computer) Recompute(ctx context.Context, userID string) error {
	return c.locks.WithLock(userID, func() error {
		return c.recomputeLocked(ctx, userID)
	})
}

func (c *Computer) recomputeLocked(ctx context.Context, userID string) error {
	now := c.now()

	defs, err := c.store.ListTraitDefinitions(ctx)
	if err != nil {
		return err
	}

	env, err := c.buildEnv(ctx, userID, now)
	if err != nil {
		return err
	}

	type result struct {
		key   string
		value dsl.Value
	}
	results := make([]result, 0, len(defs))

	for _, def := range defs {
		expr, perr := dsl.Parse(def.Expression)
		var v dsl.Value
		if perr != nil {
			c.log.Warnf("traits: definition %q failed to parse, using null: %v", def.Key, perr)
			v = dsl.Null()
		} else {
			evaluated, everr := dsl.Eval(expr, env)
			if everr != nil {
				// On evaluation error the computed value is null; the row is still
				// written so segment rules referencing the key see a present identifier.
				c.log.Debugf("traits: definition %q evaluation error, using null: %v", def.Key, everr)
				v = dsl.Null()
			} else {
				v = evaluated
			}
		}
		results = append(results, result{key: def.Key, value: v})
	}

	return c.store.WithTx(ctx, func(tx store.Tx) error {
		for _, r := range results {
			raw, merr := json.Marshal(r.value)
			if merr != nil {
				return merr
			}
			if err := tx.UpsertUserTrait(ctx, model.UserTrait{
				UserID:    userID,
				Key:       r.key,
				Value:     raw,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// buildEnv constructs the trait-dialect Env: events, profile, first_seen_days_ago,
// last_seen_minutes_ago.
func (c *Computer) buildEnv(ctx context.Context, userID string, now time.Time) (dsl.Env, error) {
	names, err := c.events.Names(ctx, userID)
	if err != nil {
		return nil, err
	}

	eventsObj := make(map[string]dsl.Value, len(names))
	var earliestAny time.Time
	haveEarliestAny := false

	for _, name := range names {
		metrics := make(map[string]dsl.Value, len(metricWindows)+2)
		for metric, window := range metricWindows {
			var n int
			var merr error
			if isCountMetric(metric) {
				n, merr = c.events.CountInWindow(ctx, userID, name, window, now)
			} else {
				n, merr = c.events.UniqueDaysInWindow(ctx, userID, name, window, now)
			}
			if merr != nil {
				return nil, merr
			}
			metrics[metric] = dsl.Number(float64(n))
		}

		first, foundFirst, err := c.events.FirstSeen(ctx, userID, name)
		if err != nil {
			return nil, err
		}
		metrics["first_seen_days_ago"] = dsl.Number(float64(daysAgoOrMissing(first, foundFirst, now)))
		if foundFirst && (!haveEarliestAny || first.Before(earliestAny)) {
			earliestAny = first
			haveEarliestAny = true
		}

		last, foundLast, err := c.events.LastSeen(ctx, userID, name)
		if err != nil {
			return nil, err
		}
		metrics["last_seen_days_ago"] = dsl.Number(float64(daysAgoOrMissing(last, foundLast, now)))

		eventsObj[name] = dsl.Object(metrics)
	}

	lastAny, foundAny, err := c.events.LastSeenAny(ctx, userID)
	if err != nil {
		return nil, err
	}
	lastSeenMinutesAgo := float64(-1)
	if foundAny {
		lastSeenMinutesAgo = float64(now.Sub(lastAny).Milliseconds() / (60 * 1000))
	}

	firstSeenDaysAgo := float64(daysAgoOrMissing(earliestAny, haveEarliestAny, now))

	return dsl.Env{
		"events":                dsl.Object(eventsObj),
		"profile":               dsl.Object(map[string]dsl.Value{}),
		"first_seen_days_ago":   dsl.Number(firstSeenDaysAgo),
		"last_seen_minutes_ago": dsl.Number(lastSeenMinutesAgo),
	}, nil
}

func isCountMetric(metric string) bool {
	return len(metric) >= 5 && metric[:5] == "count"
}

// daysAgoOrMissing floors the elapsed-milliseconds division; an event that has
// never occurred yields -1.
func daysAgoOrMissing(t time.Time, found bool, now time.Time) int {
	if !found {
		return -1
	}
	ms := now.Sub(t).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return int(ms / (24 * 60 * 60 * 1000))
}
