// Package originregistry defines the value types and naming conventions shared
// by the origin registry service: origin records, relay identifiers, and the
// key encoding used in the backing store.
package originregistry

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// RelayHostPrefix is the conventional host name prefix for relay nodes.
// Relay N is addressable at host "relayN", port N.
const RelayHostPrefix = "relay"

// keyPrefix namespaces registry keys in the shared store.
const keyPrefix = "origin"

// RelayID is a numeric token uniquely naming a relay node in the mesh.
// The numeric value doubles as the relay's conventional port number, so
// identifiers are restricted to 1..65535. The key encoding reserves ".",
// which a valid RelayID can never contain.
type RelayID string

// ParseRelayID validates a relay identifier token. The conventional host
// prefix ("relay3" for relay 3) is accepted and stripped, so callers can pass
// either the bare token or the host name.
func ParseRelayID(s string) (RelayID, error) {
	s = strings.TrimPrefix(s, RelayHostPrefix)
	if s == "" {
		return "", fmt.Errorf("empty relay identifier")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return "", fmt.Errorf("relay identifier %q is not numeric", s)
	}
	if n < 1 || n > 65535 {
		return "", fmt.Errorf("relay identifier %d out of range 1..65535", n)
	}
	return RelayID(strconv.Itoa(n)), nil
}

// String returns the bare identifier token.
func (id RelayID) String() string { return string(id) }

// Host returns the conventional host name for the relay.
func (id RelayID) Host() string { return RelayHostPrefix + string(id) }

// Port returns the conventional port number for the relay.
// Valid for any RelayID produced by ParseRelayID.
func (id RelayID) Port() int {
	n, _ := strconv.Atoi(string(id))
	return n
}

// Key returns the store key for a (relay, namespace) pair in the form
// "origin.<relay>.<namespace>".
func Key(relay RelayID, namespace string) string {
	return keyPrefix + "." + string(relay) + "." + namespace
}

// Origin records where content for a namespace can currently be fetched.
// It is the value exchanged over the API and stored in the registry.
type Origin struct {
	// URL locates a relay or ingest endpoint for the namespace.
	URL string `json:"url"`
}

// Validate checks that the record holds an absolute URL with a host.
func (o Origin) Validate() error {
	u, err := url.Parse(o.URL)
	if err != nil {
		return fmt.Errorf("parsing origin url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin url %q must be absolute with a host", o.URL)
	}
	return nil
}

// Equal reports structural equality of two records. Both URLs are parsed and
// compared in canonical form so that textual differences with no semantic
// meaning do not register as conflicts.
func (o Origin) Equal(other Origin) bool {
	a, errA := url.Parse(o.URL)
	b, errB := url.Parse(other.URL)
	if errA != nil || errB != nil {
		return o.URL == other.URL
	}
	return a.String() == b.String()
}

// RewriteHost returns a copy of the record with only the URL's host and port
// replaced by the conventional address of the given relay. Scheme, path and
// query are preserved verbatim.
func (o Origin) RewriteHost(next RelayID) (Origin, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return Origin{}, fmt.Errorf("parsing origin url: %w", err)
	}
	u.Host = next.Host() + ":" + strconv.Itoa(next.Port())
	return Origin{URL: u.String()}, nil
}
