package geo

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

type stubQuerier struct {
	results map[string]ServiceResult
	err     error
	calls   int
}

func (s *stubQuerier) Query(_ context.Context, ip string) (ServiceResult, error) {
	s.calls++
	if s.err != nil {
		return ServiceResult{}, s.err
	}
	res, ok := s.results[ip]
	if !ok {
		return ServiceResult{}, ErrQueryRejected
	}
	return res, nil
}

type stubResolver struct {
	loc types.Location
}

func (s stubResolver) Resolve(context.Context, string) (types.Location, error) {
	return s.loc, nil
}

func TestServiceResolverCachesLookups(t *testing.T) {
	c := newClock()
	cache := newTestCache(t, c)
	svc := &stubQuerier{results: map[string]ServiceResult{
		"1.2.3.4": serviceResult("1.2.3.4", "AS1 Example", amsterdam),
	}}
	m := metrics.NewCollector()
	r := NewServiceResolver(cache, svc, nil, m, nil)

	want := types.Location{Region: "Europe", Place: "Amsterdam", Provider: "Amazon.com"}
	for i := 0; i < 3; i++ {
		loc, err := r.Resolve(context.Background(), "1.2.3.4")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if loc != want {
			t.Errorf("Resolve() = %+v, want %+v", loc, want)
		}
	}
	if svc.calls != 1 {
		t.Errorf("service calls = %d, want 1", svc.calls)
	}

	// Past the window the AS must be re-verified.
	c.Advance(DefaultFreshness + time.Second)
	r.Resolve(context.Background(), "1.2.3.4")
	if svc.calls != 2 {
		t.Errorf("service calls = %d, want 2", svc.calls)
	}
}

func TestServiceResolverPersists(t *testing.T) {
	c := newClock()
	dir := t.TempDir()
	cache, _ := NewCache(CacheConfig{Dir: dir, Now: c.Now})
	svc := &stubQuerier{results: map[string]ServiceResult{
		"1.2.3.4": serviceResult("1.2.3.4", "AS1 Example", amsterdam),
	}}
	NewServiceResolver(cache, svc, nil, nil, nil).Resolve(context.Background(), "1.2.3.4")

	reloaded, _ := NewCache(CacheConfig{Dir: dir, Now: c.Now})
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if !reloaded.IsFresh("1.2.3.4") {
		t.Error("expected persisted entry to be fresh after reload")
	}
}

func TestServiceResolverServesStale(t *testing.T) {
	c := newClock()
	cache := newTestCache(t, c)
	cache.Record("1.2.3.4", "AS1", amsterdam)
	c.Advance(30 * 24 * time.Hour)

	svc := &stubQuerier{err: ErrLookupFailed}
	loc, err := NewServiceResolver(cache, svc, nil, nil, nil).Resolve(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if loc.Place != "Amsterdam" {
		t.Errorf("expected stale location, got %+v", loc)
	}
}

func TestServiceResolverFallback(t *testing.T) {
	cache := newTestCache(t, newClock())
	svc := &stubQuerier{err: ErrLookupFailed}

	loc, err := NewServiceResolver(cache, svc, nil, nil, nil).Resolve(context.Background(), "1.2.3.4")
	if !errors.Is(err, ErrLookupFailed) || !loc.IsUnknown() {
		t.Errorf("expected unknown location and error, got %+v, %v", loc, err)
	}

	fallback := stubResolver{loc: types.Location{Region: "Asia"}}
	loc, err = NewServiceResolver(cache, svc, fallback, nil, nil).Resolve(context.Background(), "1.2.3.4")
	if err != nil || loc.Region != "Asia" {
		t.Errorf("expected fallback location, got %+v, %v", loc, err)
	}
}

func TestAttributeChangeInvalidation(t *testing.T) {
	fake := &fakeService{results: map[string]ServiceResult{
		"1.2.3.4": serviceResult("1.2.3.4", "AS1 Example", amsterdam),
		"1.2.3.5": serviceResult("1.2.3.5", "AS1 Example", amsterdam),
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newClock()
	cache := newTestCache(t, c)
	r := NewServiceResolver(cache, newTestClient(srv, 0), nil, nil, nil)
	ctx := context.Background()

	r.Resolve(ctx, "1.2.3.4")
	if !cache.IsFresh("1.2.3.4") {
		t.Fatal("expected first IP to be fresh")
	}

	// The AS block moves; the next lookup under it sees new attributes.
	c.Advance(time.Hour)
	frankfurt := amsterdam
	frankfurt.City = "Frankfurt"
	frankfurt.Country = "Germany"
	fake.set("1.2.3.5", serviceResult("1.2.3.5", "AS1 Example", frankfurt))

	loc, err := r.Resolve(ctx, "1.2.3.5")
	if err != nil || loc.Place != "Frankfurt" {
		t.Fatalf("Resolve() = %+v, %v", loc, err)
	}

	as, _ := cache.AS("AS1")
	if !as.LocalOldest.Equal(as.LocalFreshness) {
		t.Errorf("expected LocalOldest == LocalFreshness, got %v / %v", as.LocalOldest, as.LocalFreshness)
	}
	if cache.IsFresh("1.2.3.4") {
		t.Error("IP under the old attribute set must be stale")
	}

	// Resolving the stale IP queries the service again.
	calls := fake.Calls()
	r.Resolve(ctx, "1.2.3.4")
	if fake.Calls() != calls+1 {
		t.Errorf("expected a new lookup for the stale IP")
	}
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table := &Table{}
	table.Add("34.240.0.0/13", types.Location{Region: "EU", Place: "Ireland", Provider: "AWS"})
	table.Add("34.240.10.0/24", types.Location{Region: "EU", Place: "Shadowed", Provider: "AWS"})
	table.Add("2600:1f18::/33", types.Location{Region: "NA", Place: "Virginia", Provider: "AWS"})
	return table
}

func TestOfflineResolver(t *testing.T) {
	audit, err := NewUnknownLog(filepath.Join(t.TempDir(), UnknownLogFile), newClock().Now)
	if err != nil {
		t.Fatal(err)
	}
	r := NewOfflineResolver(newTestTable(t), nil, audit, nil, nil)

	loc, err := r.Resolve(context.Background(), "34.240.10.7")
	if err != nil || loc.Place != "Ireland" {
		t.Errorf("expected first matching network, got %+v, %v", loc, err)
	}

	loc, _ = r.Resolve(context.Background(), "9.9.9.9")
	if !loc.IsUnknown() {
		t.Errorf("expected unknown location, got %+v", loc)
	}
	r.Lookup("9.9.9.10", false)

	ips, err := audit.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 1 || ips[0] != "9.9.9.9" {
		t.Errorf("expected only the recorded lookup in the audit log, got %v", ips)
	}
}

func TestOfflineResolverPruneUnknown(t *testing.T) {
	audit, _ := NewUnknownLog(filepath.Join(t.TempDir(), UnknownLogFile), nil)
	r := NewOfflineResolver(&Table{}, nil, audit, nil, nil)

	r.Lookup("34.240.1.1", true)
	r.Lookup("9.9.9.9", true)

	r.SetTable(newTestTable(t))
	removed, err := r.PruneUnknown()
	if err != nil {
		t.Fatalf("PruneUnknown() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	ips, _ := audit.Entries()
	if len(ips) != 1 || ips[0] != "9.9.9.9" {
		t.Errorf("expected only the still-unknown IP, got %v", ips)
	}
}
