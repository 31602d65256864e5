// Package metrics exposes runtime counters and an optional HTTP endpoint.
// With no metrics_listen configured nothing is served; the counters are
// still maintained and cheap.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/actiond/internal/log"
)

var (
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actiond_messages_received_total",
		Help: "Action messages received, by queue.",
	}, []string{"queue"})

	RepliesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actiond_replies_sent_total",
		Help: "Replies sent to reply-to destinations, by queue and status.",
	}, []string{"queue", "status"})

	Deferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actiond_deferrals_total",
		Help: "Messages deferred for later re-fire, by queue.",
	}, []string{"queue"})

	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actiond_handler_failures_total",
		Help: "Handler invocations that returned an error, by queue.",
	}, []string{"queue"})

	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actiond_delivery_retries_total",
		Help: "Ack and reply deliveries retried after a failure.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actiond_stomp_reconnects_total",
		Help: "STOMP reconnect attempts.",
	})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "actiond_handler_duration_seconds",
		Help:    "Wall time of handler invocations, by queue.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"queue"})
)

// Serve runs the metrics endpoint until ctx is canceled. listen is a
// host:port address; empty disables serving entirely.
func Serve(ctx context.Context, listen string) error {
	if listen == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: listen, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics endpoint listening", "addr", listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
