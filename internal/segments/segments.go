// Package segments computes boolean group memberships: evaluate every
// SegmentDefinition against a user's trait map and persist membership with correct
// "since" transition timestamps.
package segments

import (
	"context"
	"time"

	"github.com/cajpany/tinycdp/internal/dsl"
	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
	"github.com/cajpany/tinycdp/internal/util"
)

// Computer recomputes segment membership per user, serialized by the same
// keyed-lock idiom the Trait Computer uses (internal/util/keyedlock.go).
type Computer struct {
	store store.Store
	locks *util.KeyedLock
	log   *logging.Loggers
	now   func() time.Time
}

// New constructs a Computer backed by s.
func New(s store.Store, log *logging.Loggers) *Computer {
	if log == nil {
		log = logging.NewDisabledLoggers()
	}
	return &Computer{store: s, locks: util.NewKeyedLock(), log: log, now: time.Now}
}

// SetClock overrides the time source; for tests only.
func (c *Computer) SetClock(now func() time.Time) { c.now = now }

// Recompute loads userID's trait map, evaluates every SegmentDefinition, and
// applies the since/updatedAt transition rules in one transaction.
func (c *Computer) Recompute(ctx context.Context, userID string) error {
	return c.locks.WithLock(userID, func() error {
		return c.recomputeLocked(ctx, userID)
	})
}

func (c *Computer) recomputeLocked(ctx context.Context, userID string) error {
	now := c.now()

	traitRows, err := c.store.GetUserTraits(ctx, userID)
	if err != nil {
		return err
	}
	env := make(dsl.Env, len(traitRows))
	for key, row := range traitRows {
		var v dsl.Value
		if uerr := v.UnmarshalJSON(row.Value); uerr != nil {
			v = dsl.Null()
		}
		env[key] = v
	}

	defs, err := c.store.ListSegmentDefinitions(ctx)
	if err != nil {
		return err
	}

	type pending struct {
		key       string
		inSegment bool
		since     *time.Time
	}
	results := make([]pending, 0, len(defs))

	// Prior rows are read before the transaction starts: WithTx serializes writes for
	// the whole-snapshot upsert guarantee, but reads of the previous state only need
	// to happen once per key, not under the write lock.
	for _, def := range defs {
		member := false
		if expr, perr := dsl.Parse(def.Rule); perr == nil {
			if v, everr := dsl.Eval(expr, env); everr == nil {
				member = v.Truthy()
			} else {
				c.log.Debugf("segments: definition %q evaluation error, treating as false: %v", def.Key, everr)
			}
		} else {
			c.log.Warnf("segments: definition %q failed to parse, treating as false: %v", def.Key, perr)
		}

		prior, found, gerr := c.store.GetUserSegment(ctx, userID, def.Key)
		if gerr != nil {
			return gerr
		}

		var since *time.Time
		switch {
		case !found:
			if member {
				t := now
				since = &t
			}
		case prior.InSegment != member:
			if member {
				t := now
				since = &t
			}
			// false->true: since=now (above). true->false: since stays nil.
		default:
			// No transition: preserve the original since.
			since = prior.Since
		}

		results = append(results, pending{key: def.Key, inSegment: member, since: since})
	}

	return c.store.WithTx(ctx, func(tx store.Tx) error {
		for _, r := range results {
			if err := tx.UpsertUserSegment(ctx, model.UserSegment{
				UserID:    userID,
				Key:       r.key,
				InSegment: r.inSegment,
				Since:     r.since,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
