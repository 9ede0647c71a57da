package geo

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// TableHeader is the header of the network table CSV
var TableHeader = []string{"network", "region", "location", "provider"}

type tableEntry struct {
	prefix   netip.Prefix
	location types.Location
}

// Table maps networks to locations. Entries keep file order and the first
// network containing an address wins.
type Table struct {
	entries []tableEntry
}

// LoadTable reads a network table CSV. A missing file yields an empty table.
// Rows with an unparsable network are skipped and counted.
func LoadTable(path string) (*Table, int, error) {
	t := &Table{}
	skipped := 0
	err := readCSV(path, func(row map[string]string) error {
		prefix, err := parseNetwork(row["network"])
		if err != nil {
			skipped++
			return nil
		}
		t.entries = append(t.entries, tableEntry{
			prefix: prefix,
			location: types.Location{
				Region:   row["region"],
				Place:    row["location"],
				Provider: row["provider"],
			},
		})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load network table: %w", err)
	}
	return t, skipped, nil
}

// Add appends a network to the table
func (t *Table) Add(network string, loc types.Location) error {
	prefix, err := parseNetwork(network)
	if err != nil {
		return err
	}
	t.entries = append(t.entries, tableEntry{prefix: prefix, location: loc})
	return nil
}

// Lookup returns the location of the first network containing ip
func (t *Table) Lookup(ip string) (types.Location, bool) {
	if t == nil {
		return types.UnknownLocation, false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return types.UnknownLocation, false
	}
	addr = addr.Unmap()
	for _, e := range t.entries {
		if e.prefix.Contains(addr) {
			return e.location, true
		}
	}
	return types.UnknownLocation, false
}

// Len returns the number of networks
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// parseNetwork accepts CIDR notation or a bare address
func parseNetwork(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
