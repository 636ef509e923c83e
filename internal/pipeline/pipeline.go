// Package pipeline wires identity resolution, event persistence, trait/segment
// recomputation, and decision-cache invalidation into the two end-to-end ingest
// operations, track and identify. The Orchestrator is constructed once at startup,
// holds every subsystem, and exposes narrow methods to the HTTP layer.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cajpany/tinycdp/internal/decision"
	"github.com/cajpany/tinycdp/internal/eventstore"
	"github.com/cajpany/tinycdp/internal/identity"
	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/segments"
	"github.com/cajpany/tinycdp/internal/traits"
)

// ErrInvalidInput covers input-validation failures on track/identify requests.
var ErrInvalidInput = errors.New("pipeline: invalid input")

// FailureRecorder receives non-fatal pipeline substep failures; satisfied by
// *metrics.Manager without this package importing internal/metrics directly.
type FailureRecorder interface {
	RecordPipelineFailure(ctx context.Context, stage string)
}

type noopFailureRecorder struct{}

func (noopFailureRecorder) RecordPipelineFailure(context.Context, string) {}

// TrackRequest is the orchestrator's view of POST /v1/track's body.
// The body's userId field is an externalId alias, not the canonical userId; the
// HTTP layer folds it into ExternalID before constructing this.
type TrackRequest struct {
	DeviceID   string
	ExternalID string
	EmailHash  string
	Event      string
	Timestamp  *time.Time
	Props      []byte // raw JSON object, optional
}

// TrackResult is the orchestrator's view of POST /v1/track's response.
type TrackResult struct {
	Success bool
	EventID int64
	UserID  string
}

// IdentifyRequest is the orchestrator's view of POST /v1/identify's body.
type IdentifyRequest struct {
	DeviceID   string
	ExternalID string
	EmailHash  string
	// Traits is accepted at the boundary but not yet persisted to the profile map
	// the trait computer reads.
	Traits []byte
}

// IdentifyResult is the orchestrator's view of POST /v1/identify's response.
type IdentifyResult struct {
	UserID  string
	Created bool
}

// Orchestrator is constructed once at startup and holds every subsystem the two
// operations below wire together.
type Orchestrator struct {
	identity *identity.Resolver
	events   *eventstore.EventStore
	traits   *traits.Computer
	segments *segments.Computer
	decision *decision.Engine
	log      *logging.Loggers
	now      func() time.Time
	recorder FailureRecorder
}

// New constructs an Orchestrator from already-constructed subsystems.
func New(
	ident *identity.Resolver,
	events *eventstore.EventStore,
	traitComputer *traits.Computer,
	segmentComputer *segments.Computer,
	decisionEngine *decision.Engine,
	log *logging.Loggers,
) *Orchestrator {
	if log == nil {
		log = logging.NewDisabledLoggers()
	}
	return &Orchestrator{
		identity: ident,
		events:   events,
		traits:   traitComputer,
		segments: segmentComputer,
		decision: decisionEngine,
		log:      log,
		now:      time.Now,
		recorder: noopFailureRecorder{},
	}
}

// SetClock overrides the time source; for tests only.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SetRecorder attaches a FailureRecorder (typically *metrics.Manager) that observes
// non-fatal trait/segment recompute failures. Optional; an Orchestrator built by New
// records nothing until a recorder is attached, and a nil r restores that.
func (o *Orchestrator) SetRecorder(r FailureRecorder) {
	if r == nil {
		r = noopFailureRecorder{}
	}
	o.recorder = r
}

// Track resolves identity, persists the event, then synchronously recomputes
// traits, then segments, then invalidates the decision cache — all before
// returning. Steps after event persistence are
// best-effort: a failure there is logged but does not fail the call, since the event
// is already durable and the next event for this user will retry the recomputation.
func (o *Orchestrator) Track(ctx context.Context, req TrackRequest) (TrackResult, error) {
	if req.Event == "" {
		return TrackResult{}, ErrInvalidInput
	}
	aliases := identity.AliasSet{DeviceID: req.DeviceID, ExternalID: req.ExternalID, EmailHash: req.EmailHash}
	if aliases.Empty() {
		return TrackResult{}, ErrInvalidInput
	}

	userID, _, err := o.identity.Resolve(ctx, aliases)
	if err != nil {
		return TrackResult{}, err
	}

	ts := o.now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	ev, err := o.events.Append(ctx, model.Event{
		UserID:    userID,
		Timestamp: ts,
		Name:      req.Event,
		Props:     req.Props,
	})
	if err != nil {
		return TrackResult{}, err
	}

	if err := o.traits.Recompute(ctx, userID); err != nil {
		o.log.Warnf("pipeline: trait recompute failed for user %s: %v", userID, err)
		o.recorder.RecordPipelineFailure(ctx, "traits")
		return TrackResult{Success: true, EventID: ev.ID, UserID: userID}, nil
	}

	if err := o.segments.Recompute(ctx, userID); err != nil {
		o.log.Warnf("pipeline: segment recompute failed for user %s: %v", userID, err)
		o.recorder.RecordPipelineFailure(ctx, "segments")
		return TrackResult{Success: true, EventID: ev.ID, UserID: userID}, nil
	}

	o.decision.InvalidateUser(userID)

	return TrackResult{Success: true, EventID: ev.ID, UserID: userID}, nil
}

// Identify resolves identity only. Supplied traits are accepted but not yet wired
// to the profile map.
func (o *Orchestrator) Identify(ctx context.Context, req IdentifyRequest) (IdentifyResult, error) {
	aliases := identity.AliasSet{DeviceID: req.DeviceID, ExternalID: req.ExternalID, EmailHash: req.EmailHash}
	if aliases.Empty() {
		return IdentifyResult{}, ErrInvalidInput
	}

	userID, created, err := o.identity.Resolve(ctx, aliases)
	if err != nil {
		return IdentifyResult{}, err
	}
	return IdentifyResult{UserID: userID, Created: created}, nil
}
