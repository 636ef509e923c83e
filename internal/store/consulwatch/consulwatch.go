// Package consulwatch hot-reloads trait/segment/flag definitions from a Consul KV
// prefix, as an alternative to pushing them through the admin HTTP API. Items live
// at "{prefix}/{collection}/{key}"; the watcher is read-only and never writes back
// to Consul.
package consulwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

const (
	traitsCollection   = "traits"
	segmentsCollection = "segments"
	flagsCollection    = "flags"

	pollInterval = 5 * time.Second
)

// Watcher polls a Consul KV prefix and pushes any changed trait/segment/flag
// definitions into the backing Store.
type Watcher struct {
	client *consulapi.Client
	prefix string
	st     store.Store
	log    *logging.Loggers

	lastIndex uint64
}

// New constructs a Watcher against address/prefix. It does not start polling;
// call Run to do that.
func New(address, prefix string, st store.Store, log *logging.Loggers) (*Watcher, error) {
	cfg := consulapi.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to configure consul client: %w", err)
	}
	return &Watcher{client: client, prefix: strings.TrimSuffix(prefix, "/"), st: st, log: log}, nil
}

// Run blocks, polling Consul with long-poll (blocking) KV queries until ctx is
// canceled. Each iteration that observes a new Consul index re-lists the prefix and
// upserts every item found into the Store; it never deletes, since Consul-sourced
// definitions are expected to be a superset managed entirely through Consul.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		kv := w.client.KV()
		opts := &consulapi.QueryOptions{
			WaitIndex: w.lastIndex,
			WaitTime:  pollInterval,
		}
		pairs, meta, err := kv.List(w.prefix, opts.WithContext(ctx))
		if err != nil {
			w.log.Warnf("consulwatch: list failed: %s", err)
			time.Sleep(pollInterval)
			continue
		}
		if meta.LastIndex == w.lastIndex {
			continue
		}
		w.lastIndex = meta.LastIndex

		if err := w.apply(ctx, pairs); err != nil {
			w.log.Warnf("consulwatch: apply failed: %s", err)
		}
	}
}

func (w *Watcher) apply(ctx context.Context, pairs consulapi.KVPairs) error {
	for _, pair := range pairs {
		rest := strings.TrimPrefix(pair.Key, w.prefix+"/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		collection, key := parts[0], parts[1]

		switch collection {
		case traitsCollection:
			var def model.TraitDefinition
			if err := json.Unmarshal(pair.Value, &def); err != nil {
				w.log.Warnf("consulwatch: bad trait definition at %s: %s", pair.Key, err)
				continue
			}
			def.Key = key
			if err := w.st.PutTraitDefinition(ctx, def); err != nil {
				return err
			}
		case segmentsCollection:
			var def model.SegmentDefinition
			if err := json.Unmarshal(pair.Value, &def); err != nil {
				w.log.Warnf("consulwatch: bad segment definition at %s: %s", pair.Key, err)
				continue
			}
			def.Key = key
			if err := w.st.PutSegmentDefinition(ctx, def); err != nil {
				return err
			}
		case flagsCollection:
			var def model.FlagDefinition
			if err := json.Unmarshal(pair.Value, &def); err != nil {
				w.log.Warnf("consulwatch: bad flag definition at %s: %s", pair.Key, err)
				continue
			}
			def.Key = key
			if err := w.st.PutFlagDefinition(ctx, def); err != nil {
				return err
			}
		}
	}
	return nil
}
