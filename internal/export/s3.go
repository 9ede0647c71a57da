package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// DefaultKeyTemplate places one object per session under a date hierarchy
const DefaultKeyTemplate = "{{.Year}}/{{.Month}}/{{.Day}}/{{.Address}}-{{.Timestamp}}.json"

// S3Config contains S3-specific configuration
type S3Config struct {
	Bucket       string
	Region       string
	Prefix       string
	KeyTemplate  string
	StorageClass string
	Compression  CompressionType
	// Endpoint for S3-compatible services (e.g. MinIO)
	Endpoint     string
	UsePathStyle bool
}

// ObjectPutter is the part of the S3 client the recorder uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Recorder uploads each closed session as one JSON object
type S3Recorder struct {
	config     S3Config
	host       string
	client     ObjectPutter
	compressor Compressor
	closed     atomic.Bool
}

// NewS3Recorder loads AWS credentials from the default chain and creates
// the client
func NewS3Recorder(ctx context.Context, cfg S3Config) (*S3Recorder, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("no bucket specified")
	}
	if cfg.Region == "" {
		return nil, errors.New("no region specified")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return NewS3RecorderWithClient(cfg, s3.NewFromConfig(awsCfg, opts...))
}

// NewS3RecorderWithClient uses an existing client
func NewS3RecorderWithClient(cfg S3Config, client ObjectPutter) (*S3Recorder, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("no bucket specified")
	}
	compressor, err := GetCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &S3Recorder{
		config:     cfg,
		host:       Hostname(),
		client:     client,
		compressor: compressor,
	}, nil
}

// Record implements stats.Recorder
func (s *S3Recorder) Record(ctx context.Context, st types.SessionStats) error {
	if s.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(NewDocument(s.host, st))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	body, err := s.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("failed to compress session: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.Key(st)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if s.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.config.StorageClass)
	}
	if s.config.Compression != CompressionNone && s.config.Compression != "" {
		input.ContentEncoding = aws.String(string(s.config.Compression))
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// Key renders the object key of a session from the template
func (s *S3Recorder) Key(st types.SessionStats) string {
	ts := st.End.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	key := s.config.KeyTemplate
	if key == "" {
		key = DefaultKeyTemplate
	}
	replacer := strings.NewReplacer(
		"{{.Year}}", fmt.Sprintf("%04d", ts.Year()),
		"{{.Month}}", fmt.Sprintf("%02d", ts.Month()),
		"{{.Day}}", fmt.Sprintf("%02d", ts.Day()),
		"{{.Hour}}", fmt.Sprintf("%02d", ts.Hour()),
		"{{.Timestamp}}", fmt.Sprintf("%d", ts.Unix()),
		"{{.Address}}", st.Connection.Address,
		"{{.Port}}", st.Connection.Port,
		"{{.Host}}", s.host,
	)
	return s.config.Prefix + replacer.Replace(key) + s.compressor.Extension()
}

// Name implements stats.Recorder
func (s *S3Recorder) Name() string {
	return "s3"
}

// Close marks the recorder closed
func (s *S3Recorder) Close() error {
	s.closed.Store(true)
	return nil
}
