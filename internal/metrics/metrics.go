package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_fetch_requests_total",
			Help: "Total number of fetch attempts issued",
		},
		[]string{"host", "status"},
	)

	FetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_fetch_retries_total",
			Help: "Total number of fetch retries after transient failures",
		},
		[]string{"host", "reason"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Duration of fetch attempts in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	BlockPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_block_pages_total",
			Help: "Total number of rate-limit or captcha interstitials served",
		},
		[]string{"host", "source"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Result records by disposition (accepted, duplicate, skipped, dropped)",
		},
		[]string{"disposition"},
	)

	KeywordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_keywords_total",
			Help: "Keywords by terminal state (done, failed)",
		},
		[]string{"state"},
	)
)

// RecordFetch updates the fetch metrics for a single attempt.
func RecordFetch(host string, statusCode int, err bool, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	if err {
		status = "error"
	}
	FetchRequestsTotal.WithLabelValues(host, status).Inc()
	FetchDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		// Suppress the error from intentional shutdown
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server failed: %v\n", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
