package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-chunked-upload/blob"
	"github.com/bitrise-io/go-chunked-upload/blob/memblob"
	"github.com/bitrise-io/go-chunked-upload/blob/s3blob"
	"github.com/bitrise-io/go-chunked-upload/envconf"
	"github.com/bitrise-io/go-chunked-upload/metrics"
	"github.com/bitrise-io/go-chunked-upload/status"
	"github.com/bitrise-io/go-chunked-upload/upload"
	"github.com/bitrise-io/go-chunked-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-chunked-upload/upload/progress"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const (
	brokerBuffer      = 64
	metricsPath       = "/metrics"
	readHeaderTimeout = 5 * time.Second
)

func newUploadCmd(logger log.Logger, envRepo env.Repository) *cobra.Command {
	cfg := defaultConfig()
	envErr := envconf.Parse(&cfg, envRepo)

	cmd := &cobra.Command{
		Use:   "upload [flags] source...",
		Short: "Upload files to an object store in resumable chunks",
		Long: `Uploads each source as a chunked, resumable upload. Sources are local paths,
wildcard patterns (** supported) or http(s) urls, which are downloaded first.

While uploading, SIGUSR1 pauses, SIGUSR2 resumes and SIGINT/SIGTERM cancels the
current upload. A failed upload can be resumed by running the command again with
the same --tracking-id and the --resume-from-chunk it reports.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("parse env: %w", envErr)
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			envconf.Print(logger, cfg)

			return runUpload(cmd.Context(), logger, envRepo, cfg, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Target, "target", cfg.Target, "destination: s3://bucket/key, s3://bucket/prefix/ or mem://name for a dry run")
	flags.StringVar(&cfg.Region, "region", cfg.Region, "AWS region of the bucket")
	flags.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "custom S3 endpoint, for S3 compatible stores")
	flags.StringVar(&cfg.TrackingID, "tracking-id", cfg.TrackingID, "tracking id of the upload, generated when empty")
	flags.StringVar(&cfg.OwnerID, "owner-id", cfg.OwnerID, "owner of the upload, attached to progress events")
	flags.Var(&cfg.ChunkSize, "chunk-size", "chunk size, e.g. 8MiB; quadrupled for files over 1GiB")
	flags.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "number of chunks uploaded in parallel")
	flags.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "upload attempts per chunk")
	flags.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "base delay of the exponential backoff between attempts")
	flags.DurationVar(&cfg.MaxRetryDelay, "max-retry-delay", cfg.MaxRetryDelay, "maximum delay between attempts")
	flags.BoolVar(&cfg.Jitter, "jitter", cfg.Jitter, "add random jitter to the retry delay")
	flags.DurationVar(&cfg.AttemptTimeout, "attempt-timeout", cfg.AttemptTimeout, "timeout of a single chunk upload attempt")
	flags.Var(&cfg.MaxBandwidth, "max-bandwidth", "upload bandwidth cap per second, e.g. 10MiB; 0 means unlimited")
	flags.IntVar(&cfg.ResumeFromChunk, "resume-from-chunk", cfg.ResumeFromChunk, "skip the chunks before this id, they are already staged")
	flags.StringSliceVar(&cfg.Metadata, "metadata", cfg.Metadata, "key=value metadata set on the uploaded object")
	flags.StringVar(&cfg.StatusBackend, "status-backend", cfg.StatusBackend, "where upload statuses are recorded: none, http or journal")
	flags.StringVar(&cfg.StatusURL, "status-url", cfg.StatusURL, "base url of the upload status API")
	flags.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "path of the zstd compressed status journal")
	flags.StringVar(&cfg.WebhookURL, "webhook-url", cfg.WebhookURL, "url progress messages are posted to")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on, e.g. :9090")
	flags.BoolVar(&cfg.Analytics, "analytics", cfg.Analytics, "send anonymous upload analytics")

	return cmd
}

type uploadRunner struct {
	logger  log.Logger
	cfg     Config
	opts    upload.Options
	target  target
	engine  *upload.Engine
	signals *signalHandler
}

func runUpload(ctx context.Context, logger log.Logger, envRepo env.Repository, cfg Config, args []string) error {
	t, err := parseTarget(cfg.Target)
	if err != nil {
		return err
	}
	opts, err := cfg.options()
	if err != nil {
		return err
	}

	recorder, closeRecorder, err := newRecorder(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRecorder(); err != nil {
			logger.Warnf("Close status recorder: %s", err)
		}
	}()

	publisher, closePublisher := newPublisher(cfg, logger)
	defer closePublisher()

	reg := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheus(reg)
	if err != nil {
		return err
	}
	sinks := metrics.Multi{sink}
	if cfg.Analytics {
		tracker := metrics.NewDefaultTracker(logger, envRepo)
		defer tracker.Wait()
		sinks = append(sinks, tracker)
	}
	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warnf("Stop metrics server: %s", err)
			}
		}()
	}

	engine := upload.NewEngine(logger,
		upload.WithStatusRecorder(recorder),
		upload.WithPublisher(publisher),
		upload.WithMetrics(sinks),
	)

	signals := newSignalHandler(engine, logger)
	stop := signals.watch(ctx)
	defer stop()

	resolver := newSourceResolver(logger, retryhttp.NewClient(logger).StandardClient())
	paths, err := resolver.resolve(ctx, args)
	if err != nil {
		return err
	}

	r := uploadRunner{
		logger:  logger,
		cfg:     cfg,
		opts:    opts,
		target:  t,
		engine:  engine,
		signals: signals,
	}
	return r.uploadAll(ctx, paths)
}

func (r uploadRunner) uploadAll(ctx context.Context, paths []string) error {
	multiple := len(paths) > 1
	for i, pth := range paths {
		if r.signals.isCancelled() {
			return fmt.Errorf("%w: %d of %d sources skipped", upload.ErrUploadCancelled, len(paths)-i, len(paths))
		}

		key, err := r.target.keyFor(filepath.Base(pth), multiple)
		if err != nil {
			return err
		}

		trackingID := r.cfg.TrackingID
		switch {
		case trackingID == "":
			trackingID = uuid.NewString()
		case multiple:
			trackingID = fmt.Sprintf("%s-%d", trackingID, i)
		}

		if err := r.uploadFile(ctx, pth, key, trackingID); err != nil {
			return err
		}
	}
	return nil
}

func (r uploadRunner) uploadFile(ctx context.Context, pth, key, trackingID string) error {
	src, err := chunkuploader.NewFileSource(pth)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			r.logger.Warnf("Close %s: %s", pth, err)
		}
	}()

	obj, err := r.newObject(ctx, key)
	if err != nil {
		return err
	}

	plan, err := upload.PlanFor(src.Size(), r.opts)
	if err != nil {
		return err
	}
	r.logger.Infof("Uploading %s (%s) to %s as %s: %d chunks of %s, %d in parallel",
		pth, units.HumanSize(float64(src.Size())), obj.Name(), trackingID,
		len(plan.Chunks), units.HumanSize(float64(plan.ChunkSize)), plan.Concurrency)

	r.signals.track(trackingID)
	defer r.signals.track("")

	err = r.engine.Upload(ctx, src, obj, r.opts, trackingID, r.logProgress)
	if err != nil {
		var uploadErr *upload.Error
		if errors.As(err, &uploadErr) && uploadErr.Resumable {
			r.logger.Warnf("Resume with: --tracking-id %s --resume-from-chunk %d", uploadErr.TrackingID, uploadErr.ResumeFromChunk)
		}
		return err
	}
	return nil
}

func (r uploadRunner) newObject(ctx context.Context, key string) (blob.Object, error) {
	if r.target.scheme == schemeMem {
		return memblob.New(path.Join(r.target.bucket, key)), nil
	}

	return s3blob.NewFromParams(ctx, s3blob.Params{
		Region:          r.cfg.Region,
		Bucket:          r.target.bucket,
		Key:             key,
		Endpoint:        r.cfg.Endpoint,
		AccessKeyID:     r.cfg.AccessKeyID,
		SecretAccessKey: string(r.cfg.SecretAccessKey),
	}, r.logger)
}

func (r uploadRunner) logProgress(e progress.Event) {
	r.logger.Printf("%d/%d chunks, %s of %s (%.1f%%), %s/s, ETA %s",
		e.ChunksCompleted, e.TotalChunks,
		units.HumanSize(float64(e.UploadedBytes)), units.HumanSize(float64(e.TotalBytes)), e.Progress,
		units.HumanSize(e.BytesPerSecond), (time.Duration(e.ETASeconds) * time.Second).String())
}

func newRecorder(cfg Config, logger log.Logger) (status.Recorder, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.StatusBackend {
	case statusHTTP:
		return status.NewHTTP(cfg.StatusURL, string(cfg.StatusToken), logger), noClose, nil
	case statusJournal:
		journal, err := status.OpenJournal(cfg.JournalPath)
		if err != nil {
			return nil, nil, err
		}
		return journal, journal.Close, nil
	default:
		return status.Nop{}, noClose, nil
	}
}

// newPublisher fans progress out to the debug log through a broker subscription and to the optional webhook.
func newPublisher(cfg Config, logger log.Logger) (progress.Publisher, func()) {
	broker := progress.NewBroker(logger)
	messages, unsubscribe := broker.Subscribe(cfg.OwnerID, brokerBuffer)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			logger.Debugf("%s %s: %d/%d chunks", msg.Type, msg.Data.TrackingID, msg.Data.ChunksCompleted, msg.Data.TotalChunks)
		}
	}()

	publishers := progress.MultiPublisher{broker}
	var webhook *progress.Webhook
	if cfg.WebhookURL != "" {
		webhook = progress.NewWebhook(cfg.WebhookURL, string(cfg.WebhookToken), logger)
		publishers = append(publishers, webhook)
	}

	return publishers, func() {
		unsubscribe()
		<-done
		if webhook != nil {
			webhook.Close()
		}
	}
}

func serveMetrics(addr string, g prometheus.Gatherer, logger log.Logger) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metrics.Handler(g))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Infof("Serving metrics on %s%s", addr, metricsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server: %s", err)
		}
	}()
	return srv.Shutdown
}
