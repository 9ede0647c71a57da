package geo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// DefaultFreshness is how long an AS record is trusted without re-verification
	DefaultFreshness = 7 * 24 * time.Hour

	IPCacheFile = "ip_cache.csv"
	ASCacheFile = "as_cache.csv"
)

// Attributes are the location attributes the lookup service reports for an
// IP. Two lookups in the same AS block normally return the same tuple.
type Attributes struct {
	Org       string
	Continent string
	Country   string
	Region    string
	City      string
}

// IPEntry is one cached lookup result
type IPEntry struct {
	IP             string
	ASNumber       string
	AS             string
	Attributes     Attributes
	LocalFreshness time.Time
}

// ASEntry tracks the last attributes seen for an AS block. LocalOldest is
// the time those attributes were first seen; IP entries recorded before it
// belong to an older attribute set and are stale.
type ASEntry struct {
	ASNumber       string
	Attributes     Attributes
	LocalFreshness time.Time
	LocalOldest    time.Time
}

var (
	ipHeader = []string{"query", "asnumber", "as", "org", "continent", "country", "region", "city", "local_freshness"}
	asHeader = []string{"asnumber", "org", "continent", "country", "region", "city", "local_freshness", "local_oldest"}
)

// Cache is the two-tier IP → AS freshness cache persisted as two CSV files
type Cache struct {
	ipPath string
	asPath string
	window time.Duration
	now    func() time.Time

	ips map[string]IPEntry
	as  map[string]ASEntry
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	Dir    string
	Window time.Duration
	Now    func() time.Time
}

// NewCache creates an empty cache rooted at cfg.Dir. Call Load to read
// existing entries.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultFreshness
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &Cache{
		ipPath: filepath.Join(cfg.Dir, IPCacheFile),
		asPath: filepath.Join(cfg.Dir, ASCacheFile),
		window: cfg.Window,
		now:    cfg.Now,
		ips:    make(map[string]IPEntry),
		as:     make(map[string]ASEntry),
	}, nil
}

// IsFresh reports whether the cached entry for ip can be served without a
// lookup: the IP and its AS are cached, the IP was recorded no earlier than
// the AS attributes last changed, and the AS was verified within the window.
func (c *Cache) IsFresh(ip string) bool {
	entry, ok := c.ips[ip]
	if !ok {
		return false
	}
	as, ok := c.as[entry.ASNumber]
	if !ok {
		return false
	}
	if entry.LocalFreshness.Before(as.LocalOldest) {
		return false
	}
	if as.LocalFreshness.Before(c.now().Add(-c.window)) {
		return false
	}
	return true
}

// Get returns the cached entry for ip regardless of freshness
func (c *Cache) Get(ip string) (IPEntry, bool) {
	e, ok := c.ips[ip]
	return e, ok
}

// AS returns the cached entry for an AS number
func (c *Cache) AS(asNumber string) (ASEntry, bool) {
	e, ok := c.as[asNumber]
	return e, ok
}

// Len returns the number of IP and AS entries
func (c *Cache) Len() (ips, as int) {
	return len(c.ips), len(c.as)
}

// Record stores a fresh lookup result. A new or changed AS attribute set
// starts a new AS entry whose LocalOldest is now, which invalidates every
// IP recorded under the old set. Identical attributes only bump freshness.
func (c *Cache) Record(ip, asField string, attrs Attributes) IPEntry {
	now := c.now()
	entry := IPEntry{
		IP:             ip,
		ASNumber:       ASNumber(asField),
		AS:             asField,
		Attributes:     attrs,
		LocalFreshness: now,
	}
	c.ips[ip] = entry

	as, ok := c.as[entry.ASNumber]
	if !ok || as.Attributes != attrs {
		c.as[entry.ASNumber] = ASEntry{
			ASNumber:       entry.ASNumber,
			Attributes:     attrs,
			LocalFreshness: now,
			LocalOldest:    now,
		}
	} else {
		as.LocalFreshness = now
		c.as[entry.ASNumber] = as
	}
	return entry
}

// ASNumber extracts the leading "AS<n>" token of the service's as field
func ASNumber(asField string) string {
	for i, r := range asField {
		if r == ' ' || r == '\t' {
			return asField[:i]
		}
	}
	return asField
}

// Load reads both cache files. Missing files leave the cache empty.
func (c *Cache) Load() error {
	ips := make(map[string]IPEntry)
	err := readCSV(c.ipPath, func(row map[string]string) error {
		fresh, err := parseTime(row["local_freshness"])
		if err != nil {
			return err
		}
		ips[row["query"]] = IPEntry{
			IP:             row["query"],
			ASNumber:       row["asnumber"],
			AS:             row["as"],
			Attributes:     attributesFromRow(row),
			LocalFreshness: fresh,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", IPCacheFile, err)
	}

	as := make(map[string]ASEntry)
	err = readCSV(c.asPath, func(row map[string]string) error {
		fresh, err := parseTime(row["local_freshness"])
		if err != nil {
			return err
		}
		oldest, err := parseTime(row["local_oldest"])
		if err != nil {
			return err
		}
		as[row["asnumber"]] = ASEntry{
			ASNumber:       row["asnumber"],
			Attributes:     attributesFromRow(row),
			LocalFreshness: fresh,
			LocalOldest:    oldest,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", ASCacheFile, err)
	}

	c.ips = ips
	c.as = as
	return nil
}

// Save atomically replaces both cache files. Empty tables are not written.
func (c *Cache) Save() error {
	if len(c.ips) > 0 {
		rows := make([][]string, 0, len(c.ips))
		for _, e := range c.ips {
			a := e.Attributes
			rows = append(rows, []string{
				e.IP, e.ASNumber, e.AS, a.Org, a.Continent, a.Country, a.Region, a.City,
				formatTime(e.LocalFreshness),
			})
		}
		if err := writeCSVAtomic(c.ipPath, ipHeader, rows); err != nil {
			return err
		}
	}

	if len(c.as) > 0 {
		rows := make([][]string, 0, len(c.as))
		for _, e := range c.as {
			a := e.Attributes
			rows = append(rows, []string{
				e.ASNumber, a.Org, a.Continent, a.Country, a.Region, a.City,
				formatTime(e.LocalFreshness), formatTime(e.LocalOldest),
			})
		}
		if err := writeCSVAtomic(c.asPath, asHeader, rows); err != nil {
			return err
		}
	}
	return nil
}

func attributesFromRow(row map[string]string) Attributes {
	return Attributes{
		Org:       row["org"],
		Continent: row["continent"],
		Country:   row["country"],
		Region:    row["region"],
		City:      row["city"],
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts RFC 3339 and the older epoch-seconds float format
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

// readCSV calls fn for every row of a header-keyed CSV file
func readCSV(path string, fn func(row map[string]string) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// writeCSVAtomic writes to a temp file next to path, then renames it over path
func writeCSVAtomic(path string, header []string, rows [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := csv.NewWriter(tmp)
	w.Write(header)
	w.WriteAll(rows)
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
