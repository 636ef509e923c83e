// Package identity implements first-match-wins alias resolution: up to three
// optional aliases map to one canonical, never-merged User.
package identity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

// AliasSet is the up-to-three optional identifiers a track/identify call may supply.
type AliasSet struct {
	DeviceID   string
	ExternalID string
	EmailHash  string
}

// ordered is the fixed lookup order: deviceId, externalId, emailHash. The first
// alias that hits an existing row wins.
func (a AliasSet) ordered() []model.Alias {
	var out []model.Alias
	if a.DeviceID != "" {
		out = append(out, model.Alias{Kind: model.AliasDeviceID, Value: a.DeviceID})
	}
	if a.ExternalID != "" {
		out = append(out, model.Alias{Kind: model.AliasExternalID, Value: a.ExternalID})
	}
	if a.EmailHash != "" {
		out = append(out, model.Alias{Kind: model.AliasEmailHash, Value: a.EmailHash})
	}
	return out
}

// Empty reports whether no alias was supplied at all — callers must reject this
// case as an input-validation error; at least one alias must be present.
func (a AliasSet) Empty() bool {
	return len(a.ordered()) == 0
}

// Resolver maps alias sets to canonical user IDs. All concurrency arbitration
// happens through the store's conditional primitives, InsertUserIfAbsent and
// LinkAliasIfAbsent; the resolver itself holds no locks.
type Resolver struct {
	store store.Store
	log   *logging.Loggers
}

// New constructs a Resolver backed by s.
func New(s store.Store, log *logging.Loggers) *Resolver {
	if log == nil {
		log = logging.NewDisabledLoggers()
	}
	return &Resolver{store: s, log: log}
}

// Resolve tries each supplied alias in order; the first hit wins and is returned
// without merging. If none hit, a new user is created and every supplied alias is
// linked to it. Concurrent callers racing on the same first-seen alias are
// reconciled by the store's conditional primitives: at most one creation wins, and
// the losers re-read the alias that the winner linked.
func (r *Resolver) Resolve(ctx context.Context, aliases AliasSet) (userID string, created bool, err error) {
	ordered := aliases.ordered()
	if len(ordered) == 0 {
		return "", false, errEmptyAliasSet
	}

	for _, a := range ordered {
		if uid, found, ferr := r.store.FindAlias(ctx, a.Kind, a.Value); ferr != nil {
			return "", false, ferr
		} else if found {
			userID = uid
			break
		}
	}

	now := time.Now().UTC()
	if userID == "" {
		newID := uuid.NewString()
		first := ordered[0]
		// The user row must exist before any alias references it: schema.sql declares
		// aliases.user_id as a NOT NULL foreign key into users(id), so inserting the
		// user first is required against the Postgres backend, not just a nicety.
		// newID is freshly generated per call, so this insert always succeeds (a UUID
		// collision between concurrent callers is not a case this guards against).
		if _, cerr := r.store.InsertUserIfAbsent(ctx, newID, now); cerr != nil {
			return "", false, cerr
		}
		linked, lerr := r.store.LinkAliasIfAbsent(ctx, first.Kind, first.Value, newID)
		if lerr != nil && lerr != store.ErrConflict {
			return "", false, lerr
		}
		if linked {
			userID = newID
			created = true
		} else {
			// Lost the race: another caller linked `first` to a different user first.
			// newID's user row is left in place, unreferenced by any alias — harmless,
			// since the resolver never merges or deletes users.
			uid, found, ferr := r.store.FindAlias(ctx, first.Kind, first.Value)
			if ferr != nil {
				return "", false, ferr
			}
			if !found {
				return "", false, errRaceUnresolved
			}
			userID = uid
		}
	}

	// Link every remaining supplied alias to the resolved user. A conflict (the alias
	// already belongs to a different user) is not a resolution failure: it is logged
	// and that alias is simply left unlinked from the current user — the resolver
	// never merges pre-existing users.
	for _, a := range ordered {
		linked, lerr := r.store.LinkAliasIfAbsent(ctx, a.Kind, a.Value, userID)
		if lerr != nil {
			if lerr == store.ErrConflict {
				r.log.Warnf("identity: alias %s=%q already linked to a different user, leaving unlinked from %s", a.Kind, a.Value, userID)
				continue
			}
			return "", false, lerr
		}
		_ = linked
	}

	return userID, created, nil
}

var (
	errEmptyAliasSet  = resolveError("identity: at least one alias must be supplied")
	errRaceUnresolved = resolveError("identity: alias creation race left no resolvable user")
)

type resolveError string

func (e resolveError) Error() string { return string(e) }
