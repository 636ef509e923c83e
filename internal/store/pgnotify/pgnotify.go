// Package pgnotify cross-instance-invalidates the Decision Engine's cache by
// listening for the Postgres NOTIFY events internal/store/postgres emits whenever a
// FlagDefinition is written. pgxpool has no equivalent of a long-lived
// auto-reconnecting LISTEN connection, so this is the one place the CDP reaches for
// github.com/lib/pq specifically: its pq.Listener is the idiomatic Go client for
// exactly this (reconnect-with-backoff, a Notify channel), the same role it plays in
// any Postgres-backed pub/sub setup in the ecosystem.
package pgnotify

import (
	"time"

	"github.com/lib/pq"

	"github.com/cajpany/tinycdp/internal/logging"
)

const flagNotifyChannel = "tinycdp_flag_defs"

// Invalidator is the narrow interface Listener needs from *decision.Engine.
type Invalidator interface {
	InvalidateFlag(flagKey string)
}

// Listener subscribes to flagNotifyChannel and invalidates the Decision Engine's
// cache for whatever flag key arrives in each notification payload.
type Listener struct {
	listener *pq.Listener
	done     chan struct{}
}

// NewListener dials url with pq.NewListener and starts consuming notifications in a
// background goroutine. The reconnect backoff bounds every pq.Listener caller must
// supply are fixed here at 10s (minimum) and time.Minute (maximum).
func NewListener(url string, inv Invalidator, log *logging.Loggers) (*Listener, error) {
	if log == nil {
		log = logging.NewDisabledLoggers()
	}
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warnf("pgnotify: listener event error: %s", err)
		}
	}
	pqListener := pq.NewListener(url, 10*time.Second, time.Minute, reportProblem)
	if err := pqListener.Listen(flagNotifyChannel); err != nil {
		pqListener.Close()
		return nil, err
	}

	l := &Listener{listener: pqListener, done: make(chan struct{})}
	go l.run(inv, log)
	return l, nil
}

func (l *Listener) run(inv Invalidator, log *logging.Loggers) {
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// pq.Listener sends a nil notification after reconnecting; the safe
				// response is to treat it as "invalidate everything we might have
				// missed", but InvalidateFlag is targeted, so we just log and let the
				// normal TTL expire any entries that went stale during the gap.
				log.Infof("pgnotify: connection reestablished")
				continue
			}
			inv.InvalidateFlag(n.Extra)
		case <-time.After(90 * time.Second):
			go l.listener.Ping() //nolint:errcheck // best-effort keepalive per pq.Listener docs
		}
	}
}

// Close stops the listener goroutine and releases the underlying connection.
func (l *Listener) Close() error {
	close(l.done)
	return l.listener.Close()
}
