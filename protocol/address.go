package protocol

import (
	"fmt"
	"strings"
)

// Address is a user@host identifier that routes a Tez to a specific user on a
// specific server. The host part decides which server receives the bundle;
// the user part is resolved by that server.
type Address struct {
	User string
	Host string
}

// ParseAddress parses a user@host address string into its components.
// The host is lowercased so addresses group and compare consistently.
func ParseAddress(addr string) (Address, error) {
	if addr == "" {
		return Address{}, fmt.Errorf("address cannot be empty")
	}

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return Address{}, fmt.Errorf("invalid address %q: must contain exactly one @", addr)
	}
	if parts[0] == "" {
		return Address{}, fmt.Errorf("invalid address %q: user part cannot be empty", addr)
	}
	if parts[1] == "" {
		return Address{}, fmt.Errorf("invalid address %q: host part cannot be empty", addr)
	}

	return Address{User: parts[0], Host: strings.ToLower(parts[1])}, nil
}

// String returns the canonical user@host representation.
func (a Address) String() string {
	return a.User + "@" + a.Host
}

// IsLocal reports whether the address belongs to the given host.
func (a Address) IsLocal(localHost string) bool {
	return a.Host == strings.ToLower(localHost)
}

// GroupByHost partitions addresses by their host part, preserving the input
// order within each group. One bundle is built per resulting group.
func GroupByHost(addrs []Address) map[string][]Address {
	groups := make(map[string][]Address)
	for _, a := range addrs {
		groups[a.Host] = append(groups[a.Host], a)
	}
	return groups
}
