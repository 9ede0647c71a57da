package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/reliability"
)

// UpdateResult describes what an update check did
type UpdateResult int

const (
	UpToDate UpdateResult = iota
	Downloaded
)

func (r UpdateResult) String() string {
	if r == Downloaded {
		return "downloaded"
	}
	return "up_to_date"
}

// UpdaterConfig holds network table updater configuration
type UpdaterConfig struct {
	CommitsURL string
	RawURL     string
	Path       string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// TableUpdater keeps the local network table in step with its upstream
// copy. The local file's mtime is the commit time it was downloaded at.
type TableUpdater struct {
	cfg      UpdaterConfig
	http     *http.Client
	resolver *OfflineResolver
	metrics  *metrics.Collector
	logger   *logging.Logger
}

// NewTableUpdater creates an updater that reloads resolver's table after
// a download. resolver may be nil.
func NewTableUpdater(cfg UpdaterConfig, resolver *OfflineResolver, m *metrics.Collector, logger *logging.Logger) (*TableUpdater, error) {
	if cfg.CommitsURL == "" || cfg.RawURL == "" || cfg.Path == "" {
		return nil, errors.New("network table updater requires commits URL, raw URL and path")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &TableUpdater{
		cfg:      cfg,
		http:     client,
		resolver: resolver,
		metrics:  m,
		logger:   logger.WithComponent("geo-update"),
	}, nil
}

// Update downloads the table if upstream has a newer commit, swaps it into
// the resolver and prunes the unknown-IP log against it.
func (u *TableUpdater) Update(ctx context.Context) (UpdateResult, error) {
	result, err := u.update(ctx)
	if u.metrics != nil {
		label := result.String()
		if err != nil {
			label = "error"
		}
		u.metrics.TableUpdates.WithLabelValues(label).Inc()
	}
	return result, err
}

func (u *TableUpdater) update(ctx context.Context) (UpdateResult, error) {
	committed, err := u.latestCommit(ctx)
	if err != nil {
		return UpToDate, err
	}

	if stat, err := os.Stat(u.cfg.Path); err == nil && !stat.ModTime().Before(committed) {
		u.logger.Info().Time("commit", committed).Msg("Network table is up to date")
		return UpToDate, nil
	}

	body, err := u.get(ctx, u.cfg.RawURL)
	if err != nil {
		return UpToDate, fmt.Errorf("failed to download network table: %w", err)
	}
	if err := replaceFile(u.cfg.Path, body, committed); err != nil {
		return UpToDate, err
	}
	u.logger.Info().Time("commit", committed).Int("bytes", len(body)).Msg("Downloaded network table")

	if u.resolver == nil {
		return Downloaded, nil
	}

	table, skipped, err := LoadTable(u.cfg.Path)
	if err != nil {
		return Downloaded, err
	}
	if skipped > 0 {
		u.logger.Warn().Int("skipped", skipped).Msg("Skipped invalid network table rows")
	}
	u.resolver.SetTable(table)

	removed, err := u.resolver.PruneUnknown()
	if err != nil {
		return Downloaded, err
	}
	u.logger.Info().Int("networks", table.Len()).Int("pruned", removed).Msg("Network table reloaded")
	return Downloaded, nil
}

type commitInfo struct {
	Commit struct {
		Author struct {
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// latestCommit returns the author date of the newest commit
func (u *TableUpdater) latestCommit(ctx context.Context) (time.Time, error) {
	body, err := u.get(ctx, u.cfg.CommitsURL)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch commit history: %w", err)
	}

	var commits []commitInfo
	if err := json.Unmarshal(body, &commits); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode commit history: %w", err)
	}
	if len(commits) == 0 || commits[0].Commit.Author.Date.IsZero() {
		return time.Time{}, errors.New("commit history is empty")
	}
	return commits[0].Commit.Author.Date, nil
}

func (u *TableUpdater) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	cfg := reliability.RetryConfig{
		MaxRetries:     u.cfg.MaxRetries,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     u.cfg.Timeout,
	}
	err := reliability.Retry(ctx, cfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return reliability.Permanent(err)
		}
		resp, err := u.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case isRetryableStatus(resp.StatusCode):
			return &StatusError{Code: resp.StatusCode}
		default:
			return reliability.Permanent(&StatusError{Code: resp.StatusCode})
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(resp.Body, 64<<20)); err != nil {
			return err
		}
		body = buf.Bytes()
		return nil
	})
	return body, err
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// replaceFile writes data next to path, stamps it with mtime and renames it
// into place
func replaceFile(path string, data []byte, mtime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create table directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write network table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
		return fmt.Errorf("failed to stamp network table: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace network table: %w", err)
	}
	return nil
}
