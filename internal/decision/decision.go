// Package decision answers feature-flag queries: evaluate a FlagDefinition's rule
// against a user's traits/segments, with a short-TTL per-(user,flag) cache and
// targeted invalidation.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cajpany/tinycdp/internal/dsl"
	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/store"
)

// TTL is the fixed lifetime of a cached decision.
const TTL = 60 * time.Second

// sweepInterval is the background sweeper's period, kept at half the TTL so an
// expired entry never lingers longer than one extra half-life.
const sweepInterval = TTL / 2

// ErrFlagNotFound is returned when the flag key has no FlagDefinition.
var ErrFlagNotFound = errors.New("decision: flag not found")

// CacheRecorder receives cache hit/miss observations; satisfied by *metrics.Manager
// without this package importing internal/metrics directly.
type CacheRecorder interface {
	RecordCacheHit(ctx context.Context)
	RecordCacheMiss(ctx context.Context)
}

type noopRecorder struct{}

func (noopRecorder) RecordCacheHit(context.Context)  {}
func (noopRecorder) RecordCacheMiss(context.Context) {}

// Decision is the verdict shape returned by GET /v1/decide.
type Decision struct {
	Allow   bool
	Variant *string // always nil: the current grammar only produces a boolean allow.
	Reasons []string
}

type cacheKey struct {
	userID  string
	flagKey string
}

func (k cacheKey) String() string { return k.userID + ":" + k.flagKey }

type cacheEntry struct {
	decision Decision
	expires  time.Time
}

// Engine owns the decision cache and its auxiliary invalidation indices: a map
// from (userId, flagKey) to entry, plus byUser/byFlag indices so invalidation is
// O(affected) rather than O(cache). A background sweeper goroutine purges expired
// entries; Close stops it via the done channel.
type Engine struct {
	store    store.Store
	log      *logging.Loggers
	now      func() time.Time
	recorder CacheRecorder

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	byUser  map[string]map[cacheKey]struct{}
	byFlag  map[string]map[cacheKey]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Engine and starts its background sweeper goroutine. Callers must
// call Close when finished to stop the sweeper.
func New(s store.Store, log *logging.Loggers) *Engine {
	if log == nil {
		log = logging.NewDisabledLoggers()
	}
	e := &Engine{
		store:    s,
		log:      log,
		now:      time.Now,
		recorder: noopRecorder{},
		entries:  make(map[cacheKey]*cacheEntry),
		byUser:   make(map[string]map[cacheKey]struct{}),
		byFlag:   make(map[string]map[cacheKey]struct{}),
		done:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.sweepLoop()
	return e
}

// SetClock overrides the time source; for tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetRecorder attaches a CacheRecorder (typically *metrics.Manager) that observes
// every cache hit/miss. Optional; an Engine built by New records nothing until a
// recorder is attached, and a nil r restores that.
func (e *Engine) SetRecorder(r CacheRecorder) {
	if r == nil {
		r = noopRecorder{}
	}
	e.recorder = r
}

// Close stops the background sweeper. Safe to call once.
func (e *Engine) Close() error {
	close(e.done)
	e.wg.Wait()
	return nil
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

func (e *Engine) sweepExpired() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, entry := range e.entries {
		if now.After(entry.expires) {
			e.removeLocked(key)
		}
	}
}

// removeLocked deletes key from entries and both auxiliary indices. Caller must hold mu.
func (e *Engine) removeLocked(key cacheKey) {
	delete(e.entries, key)
	if set, ok := e.byUser[key.userID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(e.byUser, key.userID)
		}
	}
	if set, ok := e.byFlag[key.flagKey]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(e.byFlag, key.flagKey)
		}
	}
}

// Decide answers (userID, flagKey), consulting the cache first.
func (e *Engine) Decide(ctx context.Context, userID, flagKey string) (Decision, error) {
	key := cacheKey{userID: userID, flagKey: flagKey}

	e.mu.Lock()
	if entry, ok := e.entries[key]; ok && !e.now().After(entry.expires) {
		d := entry.decision
		e.mu.Unlock()
		e.recorder.RecordCacheHit(ctx)
		return d, nil
	}
	e.mu.Unlock()
	e.recorder.RecordCacheMiss(ctx)

	def, found, err := e.store.GetFlagDefinition(ctx, flagKey)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return Decision{}, ErrFlagNotFound
	}

	traits, err := e.store.GetUserTraits(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	segmentRows, err := e.store.GetUserSegments(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	segments := make(map[string]bool, len(segmentRows))
	for k, row := range segmentRows {
		segments[k] = row.InSegment
	}
	env := make(dsl.Env, len(traits))
	for k, row := range traits {
		var v dsl.Value
		if uerr := v.UnmarshalJSON(row.Value); uerr != nil {
			v = dsl.Null()
		}
		env[k] = v
	}

	rewritten, reasons := rewrite(def.Rule, segments, env)

	decision := e.evaluate(rewritten, reasons, env)

	e.mu.Lock()
	e.entries[key] = &cacheEntry{decision: decision, expires: e.now().Add(TTL)}
	if e.byUser[userID] == nil {
		e.byUser[userID] = make(map[cacheKey]struct{})
	}
	e.byUser[userID][key] = struct{}{}
	if e.byFlag[flagKey] == nil {
		e.byFlag[flagKey] = make(map[cacheKey]struct{})
	}
	e.byFlag[flagKey][key] = struct{}{}
	e.mu.Unlock()

	return decision, nil
}

// InvalidateOne clears the single (userID, flagKey) cache entry.
func (e *Engine) InvalidateOne(userID, flagKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(cacheKey{userID: userID, flagKey: flagKey})
}

// InvalidateUser clears every cache entry for userID. Called by the pipeline
// orchestrator after segment recomputation commits.
func (e *Engine) InvalidateUser(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.byUser[userID] {
		e.removeLocked(key)
	}
}

// InvalidateFlag clears every cache entry for flagKey.
func (e *Engine) InvalidateFlag(flagKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.byFlag[flagKey] {
		e.removeLocked(key)
	}
}

// InvalidateAll clears the entire cache.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make(map[cacheKey]*cacheEntry)
	e.byUser = make(map[string]map[cacheKey]struct{})
	e.byFlag = make(map[string]map[cacheKey]struct{})
}

func (e *Engine) evaluate(rewritten string, reasons []string, env dsl.Env) Decision {
	expr, perr := dsl.Parse(rewritten)
	if perr != nil {
		return Decision{Allow: false, Reasons: append(reasons, fmt.Sprintf("evaluation_error: %v", perr))}
	}

	v, everr := dsl.Eval(expr, env)
	if everr != nil {
		return Decision{Allow: false, Reasons: append(reasons, fmt.Sprintf("evaluation_error: %v", everr))}
	}
	return Decision{Allow: v.Truthy(), Reasons: reasons}
}
