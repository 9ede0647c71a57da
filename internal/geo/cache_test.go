package geo

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestCache(t *testing.T, c *clock) *Cache {
	t.Helper()
	cache, err := NewCache(CacheConfig{Dir: t.TempDir(), Now: c.Now})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	return cache
}

var amsterdam = Attributes{
	Org:       "Amazon.com",
	Continent: "Europe",
	Country:   "Netherlands",
	Region:    "NH",
	City:      "Amsterdam",
}

func TestASNumber(t *testing.T) {
	tests := map[string]string{
		"AS16509 Amazon.com, Inc.": "AS16509",
		"AS8075":                   "AS8075",
		"":                         "",
	}
	for in, want := range tests {
		if got := ASNumber(in); got != want {
			t.Errorf("ASNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsFreshMissing(t *testing.T) {
	c := newClock()
	cache := newTestCache(t, c)

	if cache.IsFresh("1.2.3.4") {
		t.Error("unknown IP must not be fresh")
	}

	cache.Record("1.2.3.4", "AS1 Example", amsterdam)
	delete(cache.as, "AS1")
	if cache.IsFresh("1.2.3.4") {
		t.Error("IP without an AS entry must not be fresh")
	}
}

func TestIsFreshWindowBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"just recorded", 0, true},
		{"one day", 24 * time.Hour, true},
		{"exactly the window", DefaultFreshness, true},
		{"just past the window", DefaultFreshness + time.Nanosecond, false},
		{"long past", 30 * 24 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClock()
			cache := newTestCache(t, c)
			cache.Record("1.2.3.4", "AS1 Example", amsterdam)

			c.Advance(tt.elapsed)
			if got := cache.IsFresh("1.2.3.4"); got != tt.want {
				t.Errorf("IsFresh() after %v = %v, want %v", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestIsFreshBeforeLocalOldest(t *testing.T) {
	c := newClock()
	cache := newTestCache(t, c)

	cache.Record("1.2.3.4", "AS1 Example", amsterdam)
	c.Advance(time.Hour)

	// Another IP in the same AS reports different attributes.
	moved := amsterdam
	moved.City = "Frankfurt"
	moved.Country = "Germany"
	cache.Record("1.2.3.5", "AS1 Example", moved)

	as, _ := cache.AS("AS1")
	if !as.LocalOldest.Equal(as.LocalFreshness) || !as.LocalOldest.Equal(c.Now()) {
		t.Errorf("expected LocalOldest == LocalFreshness == now, got %v / %v", as.LocalOldest, as.LocalFreshness)
	}
	if as.Attributes != moved {
		t.Errorf("expected AS attributes to be replaced, got %+v", as.Attributes)
	}
	if cache.IsFresh("1.2.3.4") {
		t.Error("IP recorded before the attribute change must be stale")
	}
	if !cache.IsFresh("1.2.3.5") {
		t.Error("IP recorded at the attribute change must be fresh")
	}
}

func TestRecordSameAttributesBumpsFreshness(t *testing.T) {
	c := newClock()
	cache := newTestCache(t, c)

	cache.Record("1.2.3.4", "AS1 Example", amsterdam)
	first := c.Now()
	c.Advance(6 * 24 * time.Hour)
	cache.Record("1.2.3.5", "AS1 Example", amsterdam)

	as, _ := cache.AS("AS1")
	if !as.LocalOldest.Equal(first) {
		t.Errorf("LocalOldest moved to %v, want %v", as.LocalOldest, first)
	}
	if !as.LocalFreshness.Equal(c.Now()) {
		t.Errorf("LocalFreshness = %v, want %v", as.LocalFreshness, c.Now())
	}

	// The first IP rides on the refreshed AS entry.
	c.Advance(5 * 24 * time.Hour)
	if !cache.IsFresh("1.2.3.4") {
		t.Error("expected older IP to stay fresh while its AS is verified")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := newClock()
	dir := t.TempDir()
	cache, err := NewCache(CacheConfig{Dir: dir, Now: c.Now})
	if err != nil {
		t.Fatal(err)
	}

	cache.Record("1.2.3.4", "AS1 Example, Inc.", amsterdam)
	c.Advance(1500 * time.Millisecond)
	other := Attributes{Org: "Google, \"LLC\"", Continent: "North America", Country: "United States", Region: "CA", City: "Mountain View"}
	cache.Record("8.8.8.8", "AS15169 Google LLC", other)
	c.Advance(time.Second)
	cache.Record("1.2.3.5", "AS1 Example, Inc.", amsterdam)

	if err := cache.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := NewCache(CacheConfig{Dir: dir, Now: c.Now})
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(loaded.ips) != len(cache.ips) || len(loaded.as) != len(cache.as) {
		t.Fatalf("expected %d/%d entries, got %d/%d", len(cache.ips), len(cache.as), len(loaded.ips), len(loaded.as))
	}
	for ip, want := range cache.ips {
		got := loaded.ips[ip]
		if got.IP != want.IP || got.ASNumber != want.ASNumber || got.AS != want.AS ||
			got.Attributes != want.Attributes || !got.LocalFreshness.Equal(want.LocalFreshness) {
			t.Errorf("ip %s: got %+v, want %+v", ip, got, want)
		}
	}
	for asn, want := range cache.as {
		got := loaded.as[asn]
		if got.ASNumber != want.ASNumber || got.Attributes != want.Attributes ||
			!got.LocalFreshness.Equal(want.LocalFreshness) || !got.LocalOldest.Equal(want.LocalOldest) {
			t.Errorf("as %s: got %+v, want %+v", asn, got, want)
		}
	}
	for ip := range cache.ips {
		if loaded.IsFresh(ip) != cache.IsFresh(ip) {
			t.Errorf("freshness of %s changed across reload", ip)
		}
	}
}

func TestCacheLoadMissingFiles(t *testing.T) {
	cache := newTestCache(t, newClock())
	if err := cache.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ips, as := cache.Len(); ips != 0 || as != 0 {
		t.Errorf("expected empty cache, got %d/%d", ips, as)
	}
}

func TestCacheLoadLegacyTimestamps(t *testing.T) {
	dir := t.TempDir()
	ipCSV := "query,asnumber,as,org,continent,country,region,city,local_freshness\n" +
		"1.2.3.4,AS1,AS1 Example,Example,Europe,Netherlands,NH,Amsterdam,1709294400.5\n"
	asCSV := "asnumber,org,continent,country,region,city,local_freshness,local_oldest\n" +
		"AS1,Example,Europe,Netherlands,NH,Amsterdam,1709294400.5,1709294400\n"
	os.WriteFile(filepath.Join(dir, IPCacheFile), []byte(ipCSV), 0644)
	os.WriteFile(filepath.Join(dir, ASCacheFile), []byte(asCSV), 0644)

	c := &clock{now: time.Unix(1709294400, 0).Add(time.Hour)}
	cache, _ := NewCache(CacheConfig{Dir: dir, Now: c.Now})
	if err := cache.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	entry, ok := cache.Get("1.2.3.4")
	if !ok {
		t.Fatal("expected entry to be loaded")
	}
	want := time.Unix(1709294400, 500000000)
	if !entry.LocalFreshness.Equal(want) {
		t.Errorf("LocalFreshness = %v, want %v", entry.LocalFreshness, want)
	}
	if !cache.IsFresh("1.2.3.4") {
		t.Error("expected legacy entry to be fresh")
	}
}

func TestCacheLoadInvalidTimestamp(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, IPCacheFile),
		[]byte("query,asnumber,local_freshness\n1.2.3.4,AS1,yesterday\n"), 0644)

	cache, _ := NewCache(CacheConfig{Dir: dir})
	if err := cache.Load(); err == nil {
		t.Error("expected invalid timestamp to fail the load")
	}
}

func TestCacheSaveSkipsEmpty(t *testing.T) {
	dir := t.TempDir()
	cache, _ := NewCache(CacheConfig{Dir: dir})
	if err := cache.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, IPCacheFile)); !os.IsNotExist(err) {
		t.Error("expected no file for an empty cache")
	}
}

func TestCacheSaveLeavesNoTempFiles(t *testing.T) {
	c := newClock()
	dir := t.TempDir()
	cache, _ := NewCache(CacheConfig{Dir: dir, Now: c.Now})
	cache.Record("1.2.3.4", "AS1", amsterdam)
	if err := cache.Save(); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only the two cache files, got %v", names)
	}
}
