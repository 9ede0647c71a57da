package geo

import (
	"context"
	"fmt"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// Resolver maps a server address to an approximate location
type Resolver interface {
	Resolve(ctx context.Context, ip string) (types.Location, error)
}

// Querier is the lookup service used by ServiceResolver
type Querier interface {
	Query(ctx context.Context, ip string) (ServiceResult, error)
}

// ServiceResolver serves locations from the freshness cache and queries the
// lookup service on a miss. When the service fails it serves a stale entry,
// then the fallback resolver, if any.
type ServiceResolver struct {
	cache    *Cache
	service  Querier
	fallback Resolver
	metrics  *metrics.Collector
	logger   *logging.Logger
}

// NewServiceResolver creates a resolver over cache and service. fallback may be nil.
func NewServiceResolver(cache *Cache, service Querier, fallback Resolver, m *metrics.Collector, logger *logging.Logger) *ServiceResolver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ServiceResolver{
		cache:    cache,
		service:  service,
		fallback: fallback,
		metrics:  m,
		logger:   logger.WithComponent("geo"),
	}
}

// Resolve implements Resolver
func (r *ServiceResolver) Resolve(ctx context.Context, ip string) (types.Location, error) {
	if r.cache.IsFresh(ip) {
		entry, _ := r.cache.Get(ip)
		r.count("cache")
		return locationOf(entry.Attributes), nil
	}

	result, err := r.service.Query(ctx, ip)
	if err != nil {
		if entry, ok := r.cache.Get(ip); ok {
			r.logger.Warn().Err(err).Str("ip", ip).Msg("Lookup failed, serving stale location")
			r.count("stale")
			return locationOf(entry.Attributes), nil
		}
		if r.fallback != nil {
			r.logger.Warn().Err(err).Str("ip", ip).Msg("Lookup failed, using fallback")
			return r.fallback.Resolve(ctx, ip)
		}
		r.count("unknown")
		return types.UnknownLocation, err
	}

	entry := r.cache.Record(ip, result.AS, result.Attributes())
	r.count("service")
	r.logger.Debug().Str("ip", ip).Str("as", entry.ASNumber).Msg("Location resolved")

	// The in-memory cache stays authoritative; the next save resyncs the files.
	if err := r.cache.Save(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist location cache")
	}
	if r.metrics != nil {
		ips, as := r.cache.Len()
		r.metrics.GeoCacheEntries.WithLabelValues("ip").Set(float64(ips))
		r.metrics.GeoCacheEntries.WithLabelValues("as").Set(float64(as))
	}
	return locationOf(entry.Attributes), nil
}

func (r *ServiceResolver) count(source string) {
	if r.metrics != nil {
		r.metrics.GeoLookups.WithLabelValues(source).Inc()
	}
}

// locationOf maps service attributes to the displayed location
func locationOf(a Attributes) types.Location {
	return types.Location{
		Region:   a.Continent,
		Place:    a.City,
		Provider: a.Org,
	}
}

// OfflineResolver places addresses using the network table first and the
// offline database second. Unplaced addresses are written to the audit log.
type OfflineResolver struct {
	table   *Table
	mmdb    *MMDB
	audit   *UnknownLog
	metrics *metrics.Collector
	logger  *logging.Logger
}

// NewOfflineResolver creates an offline resolver. Any of table, mmdb and
// audit may be nil.
func NewOfflineResolver(table *Table, mmdb *MMDB, audit *UnknownLog, m *metrics.Collector, logger *logging.Logger) *OfflineResolver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &OfflineResolver{
		table:   table,
		mmdb:    mmdb,
		audit:   audit,
		metrics: m,
		logger:  logger.WithComponent("geo-offline"),
	}
}

// Resolve implements Resolver. It never fails; unplaced addresses resolve
// to types.UnknownLocation.
func (r *OfflineResolver) Resolve(_ context.Context, ip string) (types.Location, error) {
	return r.Lookup(ip, true), nil
}

// Lookup places ip. recordUnknown=false suppresses the audit entry, which
// maintenance passes over the audit log itself rely on.
func (r *OfflineResolver) Lookup(ip string, recordUnknown bool) types.Location {
	if loc, ok := r.table.Lookup(ip); ok {
		r.count("table")
		return loc
	}
	if loc, ok := r.mmdb.Lookup(ip); ok {
		r.count("mmdb")
		return loc
	}

	r.count("unknown")
	if recordUnknown && r.audit != nil {
		if err := r.audit.Append(ip); err != nil {
			r.logger.Error().Err(err).Str("ip", ip).Msg("Failed to record unknown IP")
		}
	}
	return types.UnknownLocation
}

// SetTable swaps in a reloaded network table
func (r *OfflineResolver) SetTable(t *Table) {
	r.table = t
}

// Table returns the current network table
func (r *OfflineResolver) Table() *Table {
	return r.table
}

// PruneUnknown drops audit entries the current backends can now place
func (r *OfflineResolver) PruneUnknown() (int, error) {
	if r.audit == nil {
		return 0, nil
	}
	removed, err := r.audit.Prune(func(ip string) bool {
		return r.Lookup(ip, false).IsUnknown()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune unknown-IP log: %w", err)
	}
	return removed, nil
}

func (r *OfflineResolver) count(source string) {
	if r.metrics != nil {
		r.metrics.GeoLookups.WithLabelValues(source).Inc()
	}
}
