package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	Addresses []string
	// Index may contain a Go time layout in braces, e.g. "pingwatch-{2006.01}"
	Index      string
	Pipeline   string
	Username   string
	Password   string
	CloudID    string
	APIKey     string
	MaxRetries int
	TLS        *tls.Config // used when Transport is nil
	Transport  http.RoundTripper
}

// ElasticsearchRecorder indexes each closed session as one document
type ElasticsearchRecorder struct {
	config ElasticsearchConfig
	host   string
	client *elasticsearch.Client
	closed atomic.Bool
}

// NewElasticsearchRecorder creates the client. No request is made until
// the first session is recorded.
func NewElasticsearchRecorder(cfg ElasticsearchConfig) (*ElasticsearchRecorder, error) {
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		return nil, errors.New("no addresses or cloud ID specified")
	}
	if cfg.Index == "" {
		return nil, errors.New("no index specified")
	}

	transport := cfg.Transport
	if transport == nil && cfg.TLS != nil {
		transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: cfg.TLS,
		}
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  cfg.Addresses,
		CloudID:    cfg.CloudID,
		Username:   cfg.Username,
		Password:   cfg.Password,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
		Transport:  transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	return &ElasticsearchRecorder{
		config: cfg,
		host:   Hostname(),
		client: client,
	}, nil
}

// Record implements stats.Recorder
func (e *ElasticsearchRecorder) Record(ctx context.Context, s types.SessionStats) error {
	if e.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(NewDocument(e.host, s))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	req := esapi.IndexRequest{
		Index:    e.indexName(s),
		Body:     bytes.NewReader(data),
		Pipeline: e.config.Pipeline,
		Refresh:  "false",
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("elasticsearch returned %s: %s", res.Status(), strings.TrimSpace(string(body)))
	}
	return nil
}

// indexName expands a "{layout}" suffix using the session end time
func (e *ElasticsearchRecorder) indexName(s types.SessionStats) string {
	index := e.config.Index
	open := strings.IndexByte(index, '{')
	end := strings.LastIndexByte(index, '}')
	if open < 0 || end < open {
		return index
	}
	return index[:open] + s.End.UTC().Format(index[open+1:end]) + index[end+1:]
}

// Name implements stats.Recorder
func (e *ElasticsearchRecorder) Name() string {
	return "elasticsearch"
}

// Close marks the recorder closed; the HTTP client needs no teardown
func (e *ElasticsearchRecorder) Close() error {
	e.closed.Store(true)
	return nil
}
