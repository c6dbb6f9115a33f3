// Package registry implements the origin registry core: the propagation
// engine that turns one announcement into a next-hop record for every
// reachable relay, and the conditional-write protocol that enforces
// at-most-one-writer semantics per key on top of the keyed store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	originregistry "github.com/wolfeidau/origin-registry"
	"github.com/wolfeidau/origin-registry/kv"
	"github.com/wolfeidau/origin-registry/telemetry"
	"github.com/wolfeidau/origin-registry/topology"
)

// DefaultTTL is how long a registry entry lives without being refreshed. An
// expired entry means the owning relay is presumed gone.
const DefaultTTL = 600 * time.Second

var (
	// ErrNotFound is returned when a lookup, revoke or refresh targets no
	// matching entries.
	ErrNotFound = errors.New("registry: not found")

	// ErrConflict is returned when a key already holds different content
	// than what is being written or verified. Conflicts are never resolved
	// by overwriting.
	ErrConflict = errors.New("registry: conflict")

	// ErrUnauthorizedPublisher is returned when an announcing relay is not
	// a member of the topology.
	ErrUnauthorizedPublisher = errors.New("registry: unauthorized publisher")
)

// Registry coordinates announcements against the shared store. It holds no
// mutable state of its own; correctness under concurrent announces relies
// entirely on the store's atomic set-if-absent primitive.
type Registry struct {
	topo   *topology.Topology
	store  kv.Store
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets the entry TTL. Default is DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a registry over the given topology and store.
func New(topo *topology.Topology, store kv.Store, opts ...Option) *Registry {
	r := &Registry{
		topo:   topo,
		store:  store,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get looks up the origin record for a (relay, namespace) pair. Absence is a
// normal outcome reported as ErrNotFound.
func (r *Registry) Get(ctx context.Context, relay originregistry.RelayID, namespace string) (originregistry.Origin, error) {
	var origin originregistry.Origin
	err := r.observe(ctx, "get", func() error {
		key := originregistry.Key(relay, namespace)
		payload, err := r.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", key, err)
		}
		if err := json.Unmarshal(payload, &origin); err != nil {
			return fmt.Errorf("decoding record at %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return originregistry.Origin{}, err
	}
	return origin, nil
}

// Announce records that publisher originates the namespace and installs a
// next-hop record for every relay reachable from it. For each fan-out node
// the origin URL's host and port are rewritten to the node's BFS predecessor,
// so lookups resolve by one-hop indirection instead of chain walking.
//
// The fan-out is not transactional: the first conflict aborts the remaining
// sequence, and records already committed stay committed. Partial fan-outs
// are repaired by the publisher re-announcing, and age out via TTL otherwise.
func (r *Registry) Announce(ctx context.Context, publisher, namespace string, origin originregistry.Origin) error {
	return r.observe(ctx, "announce", func() error {
		id, err := originregistry.ParseRelayID(publisher)
		if err != nil || !r.topo.Member(id) {
			return fmt.Errorf("%w: %s", ErrUnauthorizedPublisher, publisher)
		}

		hops, err := r.topo.Fanout(id)
		if err != nil {
			return fmt.Errorf("computing fanout from %s: %w", id, err)
		}

		for _, hop := range hops {
			rewritten, err := origin.RewriteHost(hop.NextHop)
			if err != nil {
				return fmt.Errorf("rewriting origin for relay %s: %w", hop.Node, err)
			}

			key := originregistry.Key(hop.Node, namespace)
			if err := r.putIfConsistent(ctx, key, rewritten); err != nil {
				return fmt.Errorf("installing next hop for relay %s: %w", hop.Node, err)
			}

			r.logger.Debug("installed next hop",
				"namespace", namespace,
				"relay", hop.Node.String(),
				"next_hop", hop.NextHop.String(),
				"url", rewritten.URL,
			)
		}

		r.logger.Info("announce complete",
			"namespace", namespace,
			"publisher", id.String(),
			"fanout", len(hops),
		)
		return nil
	})
}

// putIfConsistent writes a record with at-most-one-writer semantics:
// an identical existing record is a refresh no-op, a different one is a
// conflict, and an absent key is claimed via atomic set-if-absent. Losing
// that race is also a conflict, never an overwrite.
func (r *Registry) putIfConsistent(ctx context.Context, key string, record originregistry.Origin) error {
	current, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		var stored originregistry.Origin
		if err := json.Unmarshal(current, &stored); err != nil {
			return fmt.Errorf("decoding record at %s: %w", key, err)
		}
		if stored.Equal(record) {
			return nil
		}
		return fmt.Errorf("%w: %s already claimed", ErrConflict, key)

	case errors.Is(err, kv.ErrNotFound):
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encoding record for %s: %w", key, err)
		}
		set, err := r.store.SetNX(ctx, key, payload, r.ttl)
		if err != nil {
			return fmt.Errorf("writing %s: %w", key, err)
		}
		if !set {
			return fmt.Errorf("%w: %s claimed concurrently", ErrConflict, key)
		}
		return nil

	default:
		return fmt.Errorf("reading %s: %w", key, err)
	}
}

// Revoke removes the namespace's record for every relay in the topology.
// Keys are enumerated exactly from the known relay set rather than pattern
// matched, so namespaces can never bleed into one another.
func (r *Registry) Revoke(ctx context.Context, namespace string) error {
	return r.observe(ctx, "revoke", func() error {
		nodes := r.topo.Nodes()
		keys := make([]string, 0, len(nodes))
		for _, node := range nodes {
			keys = append(keys, originregistry.Key(node, namespace))
		}

		deleted, err := r.store.Delete(ctx, keys...)
		if err != nil {
			return fmt.Errorf("revoking %s: %w", namespace, err)
		}
		if deleted == 0 {
			return fmt.Errorf("%w: namespace %s", ErrNotFound, namespace)
		}

		r.logger.Info("revoked namespace", "namespace", namespace, "deleted", deleted)
		return nil
	})
}

// Refresh verifies that every stored record for the namespace still matches
// candidate, then renews each one's TTL. A single mismatch fails the whole
// operation with ErrConflict before any TTL is extended. The verification and
// the renewals are separate round trips, not one atomic step; a concurrent
// revoke can race them, which at worst skips a renewal.
func (r *Registry) Refresh(ctx context.Context, namespace string, candidate originregistry.Origin) error {
	return r.observe(ctx, "refresh", func() error {
		var live []string
		for _, node := range r.topo.Nodes() {
			key := originregistry.Key(node, namespace)

			payload, err := r.store.Get(ctx, key)
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", key, err)
			}

			var stored originregistry.Origin
			if err := json.Unmarshal(payload, &stored); err != nil {
				return fmt.Errorf("decoding record at %s: %w", key, err)
			}
			if !stored.Equal(candidate) {
				return fmt.Errorf("%w: %s holds different content", ErrConflict, key)
			}
			live = append(live, key)
		}

		if len(live) == 0 {
			return fmt.Errorf("%w: namespace %s", ErrNotFound, namespace)
		}

		for _, key := range live {
			if _, err := r.store.Expire(ctx, key, r.ttl); err != nil {
				return fmt.Errorf("renewing %s: %w", key, err)
			}
		}

		r.logger.Debug("refreshed namespace", "namespace", namespace, "entries", len(live))
		return nil
	})
}

// observe runs op and records its duration and outcome.
func (r *Registry) observe(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	telemetry.RecordRegistryOp(ctx, op, outcome(err), time.Since(start))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorizedPublisher):
		return "unauthorized"
	default:
		return "error"
	}
}
