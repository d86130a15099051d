package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chunked_upload"

// Prometheus exports measurements as Prometheus collectors.
type Prometheus struct {
	chunksStaged  prometheus.Counter
	chunkBytes    prometheus.Counter
	chunkDuration prometheus.Histogram
	chunkRetries  *prometheus.CounterVec
	leaseBreaks   prometheus.Counter
	uploads       *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	uploadSeconds prometheus.Histogram
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		chunksStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_staged_total",
			Help:      "Number of chunks staged against the remote object.",
		}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Bytes staged against the remote object.",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_stage_seconds",
			Help:      "Duration of successful chunk staging attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		chunkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_retries_total",
			Help:      "Chunk staging attempts that failed and were retried, by attempt number.",
		}, []string{"attempt"}),
		leaseBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_breaks_total",
			Help:      "Stale leases broken before an upload session.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Finished uploads by terminal status.",
		}, []string{"status"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded by finished upload sessions.",
		}),
		uploadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_seconds",
			Help:      "Duration of finished upload sessions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}

	for _, c := range []prometheus.Collector{
		p.chunksStaged, p.chunkBytes, p.chunkDuration, p.chunkRetries,
		p.leaseBreaks, p.uploads, p.uploadBytes, p.uploadSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return p, nil
}

// ChunkStaged ...
func (p *Prometheus) ChunkStaged(size int64, took time.Duration) {
	p.chunksStaged.Inc()
	p.chunkBytes.Add(float64(size))
	p.chunkDuration.Observe(took.Seconds())
}

// ChunkRetried ...
func (p *Prometheus) ChunkRetried(attempt int) {
	p.chunkRetries.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// LeaseBroken ...
func (p *Prometheus) LeaseBroken() {
	p.leaseBreaks.Inc()
}

// UploadFinished ...
func (p *Prometheus) UploadFinished(status string, bytes int64, took time.Duration) {
	p.uploads.WithLabelValues(status).Inc()
	p.uploadBytes.Add(float64(bytes))
	p.uploadSeconds.Observe(took.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
