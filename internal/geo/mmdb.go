package geo

import (
	"fmt"
	"net"
	"strconv"

	"github.com/oschwald/geoip2-golang"

	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// MMDB resolves addresses from local GeoLite2 City and ASN databases.
// Either database may be absent.
type MMDB struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// OpenMMDB opens the databases whose paths are non-empty
func OpenMMDB(cityPath, asnPath string) (*MMDB, error) {
	m := &MMDB{}
	if cityPath != "" {
		db, err := geoip2.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open city database: %w", err)
		}
		m.city = db
	}
	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to open ASN database: %w", err)
		}
		m.asn = db
	}
	return m, nil
}

// Lookup returns the location of ip. It reports false when the city
// database has no continent for the address.
func (m *MMDB) Lookup(ip string) (types.Location, bool) {
	if m == nil || m.city == nil {
		return types.UnknownLocation, false
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return types.UnknownLocation, false
	}

	rec, err := m.city.City(addr)
	if err != nil || rec == nil || rec.Continent.Names["en"] == "" {
		return types.UnknownLocation, false
	}

	loc := types.Location{
		Region: rec.Continent.Names["en"],
		Place:  rec.City.Names["en"],
	}
	if loc.Place == "" {
		loc.Place = rec.Country.Names["en"]
	}

	if m.asn != nil {
		if asn, err := m.asn.ASN(addr); err == nil && asn != nil {
			loc.Provider = asn.AutonomousSystemOrganization
			if loc.Provider == "" && asn.AutonomousSystemNumber != 0 {
				loc.Provider = "AS" + strconv.FormatUint(uint64(asn.AutonomousSystemNumber), 10)
			}
		}
	}
	return loc, true
}

// Close releases both databases
func (m *MMDB) Close() error {
	if m == nil {
		return nil
	}
	var firstErr error
	for _, db := range []*geoip2.Reader{m.city, m.asn} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
