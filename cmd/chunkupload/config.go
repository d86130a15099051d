package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunked-upload/envconf"
	"github.com/bitrise-io/go-chunked-upload/upload"
)

// Status backends.
const (
	statusNone    = "none"
	statusHTTP    = "http"
	statusJournal = "journal"
)

// Target schemes.
const (
	schemeS3  = "s3"
	schemeMem = "mem"
)

// Config is the upload configuration read from the environment. Command line flags override it.
type Config struct {
	Target          string           `env:"CHUNKED_UPLOAD_TARGET"`
	Region          string           `env:"AWS_REGION"`
	Endpoint        string           `env:"CHUNKED_UPLOAD_S3_ENDPOINT"`
	AccessKeyID     string           `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey envconf.Secret   `env:"AWS_SECRET_ACCESS_KEY"`
	TrackingID      string           `env:"CHUNKED_UPLOAD_TRACKING_ID"`
	OwnerID         string           `env:"CHUNKED_UPLOAD_OWNER_ID"`
	ChunkSize       envconf.ByteSize `env:"CHUNKED_UPLOAD_CHUNK_SIZE"`
	MaxConcurrent   int              `env:"CHUNKED_UPLOAD_MAX_CONCURRENT"`
	MaxRetries      int              `env:"CHUNKED_UPLOAD_MAX_RETRIES"`
	RetryDelay      time.Duration    `env:"CHUNKED_UPLOAD_RETRY_DELAY"`
	MaxRetryDelay   time.Duration    `env:"CHUNKED_UPLOAD_MAX_RETRY_DELAY"`
	Jitter          bool             `env:"CHUNKED_UPLOAD_JITTER"`
	AttemptTimeout  time.Duration    `env:"CHUNKED_UPLOAD_ATTEMPT_TIMEOUT"`
	MaxBandwidth    envconf.ByteSize `env:"CHUNKED_UPLOAD_MAX_BANDWIDTH"`
	ResumeFromChunk int              `env:"CHUNKED_UPLOAD_RESUME_FROM_CHUNK"`
	Metadata        []string         `env:"CHUNKED_UPLOAD_METADATA"`
	StatusBackend   string           `env:"CHUNKED_UPLOAD_STATUS_BACKEND,opt[none,http,journal]"`
	StatusURL       string           `env:"CHUNKED_UPLOAD_STATUS_URL"`
	StatusToken     envconf.Secret   `env:"CHUNKED_UPLOAD_STATUS_TOKEN"`
	JournalPath     string           `env:"CHUNKED_UPLOAD_JOURNAL_PATH"`
	WebhookURL      string           `env:"CHUNKED_UPLOAD_WEBHOOK_URL"`
	WebhookToken    envconf.Secret   `env:"CHUNKED_UPLOAD_WEBHOOK_TOKEN"`
	MetricsAddr     string           `env:"CHUNKED_UPLOAD_METRICS_ADDR"`
	Analytics       bool             `env:"CHUNKED_UPLOAD_ANALYTICS"`
}

func defaultConfig() Config {
	opts := upload.DefaultOptions()
	return Config{
		Region:          "us-east-1",
		ChunkSize:       envconf.ByteSize(opts.ChunkSize),
		MaxConcurrent:   opts.MaxConcurrent,
		MaxRetries:      opts.MaxRetries,
		RetryDelay:      opts.RetryDelayBase,
		MaxRetryDelay:   opts.MaxRetryDelay,
		Jitter:          opts.Jitter,
		AttemptTimeout:  opts.AttemptTimeout,
		ResumeFromChunk: opts.ResumeFromChunk,
		StatusBackend:   statusNone,
	}
}

func (c Config) validate() error {
	if c.Target == "" {
		return fmt.Errorf("target must not be empty")
	}
	switch c.StatusBackend {
	case statusNone:
	case statusHTTP:
		if c.StatusURL == "" {
			return fmt.Errorf("status backend %s needs a status URL", c.StatusBackend)
		}
	case statusJournal:
		if c.JournalPath == "" {
			return fmt.Errorf("status backend %s needs a journal path", c.StatusBackend)
		}
	default:
		return fmt.Errorf("unknown status backend: %s", c.StatusBackend)
	}
	return nil
}

func (c Config) options() (upload.Options, error) {
	metadata, err := parseMetadata(c.Metadata)
	if err != nil {
		return upload.Options{}, err
	}

	opts := upload.DefaultOptions()
	opts.ChunkSize = int64(c.ChunkSize)
	opts.MaxConcurrent = c.MaxConcurrent
	opts.MaxRetries = c.MaxRetries
	opts.RetryDelayBase = c.RetryDelay
	opts.MaxRetryDelay = c.MaxRetryDelay
	opts.Jitter = c.Jitter
	opts.AttemptTimeout = c.AttemptTimeout
	opts.MaxBytesPerSecond = int64(c.MaxBandwidth)
	opts.ResumeFromChunk = c.ResumeFromChunk
	opts.OwnerID = c.OwnerID
	opts.Metadata = metadata
	return opts, nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	metadata := map[string]string{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}

// target is a parsed upload destination: s3://bucket/key or mem://name.
// A key ending in "/" is a prefix, the source file names are appended to it.
type target struct {
	scheme string
	bucket string
	key    string
}

func parseTarget(raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, fmt.Errorf("parse target: %w", err)
	}

	t := target{scheme: u.Scheme, bucket: u.Host, key: strings.TrimPrefix(u.Path, "/")}
	switch t.scheme {
	case schemeS3:
		if t.bucket == "" {
			return target{}, fmt.Errorf("target %s has no bucket", raw)
		}
	case schemeMem:
	default:
		return target{}, fmt.Errorf("unsupported target scheme %q, use s3:// or mem://", u.Scheme)
	}
	return t, nil
}

func (t target) isPrefix() bool {
	return t.key == "" || strings.HasSuffix(t.key, "/")
}

// keyFor returns the object key of the source file named name.
func (t target) keyFor(name string, multiple bool) (string, error) {
	if t.isPrefix() {
		return t.key + name, nil
	}
	if multiple {
		return "", fmt.Errorf("target key %s names a single object, use a prefix ending in / for multiple sources", t.key)
	}
	return t.key, nil
}
