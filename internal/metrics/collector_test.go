package metrics_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
)

var _ = Describe("Collector", func() {
	const backendA = "127.0.0.1:8081"

	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.DiscardHandler)
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, log)
	})

	AfterEach(func() {
		cancel()
	})

	requests := func() int64 {
		return collector.Snapshot().Backends[backendA].Requests
	}

	Describe("Emit", func() {
		It("should not block when the buffer is full", func() {
			small := metrics.NewCollector(1, log)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < 10; i++ {
					small.Emit(metrics.MetricEvent{Type: metrics.EventRequestRouted, Backend: backendA})
				}
			}()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("Start and event processing", func() {
		BeforeEach(func() {
			collector.Start(ctx)
		})

		It("should process EventRequestRouted", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestRouted, Backend: backendA})
			Eventually(requests).Should(Equal(int64(1)))
		})

		It("should process EventBackendFailed", func() {
			collector.Emit(metrics.MetricEvent{
				Type:    metrics.EventBackendFailed,
				Backend: backendA,
				Reason:  metrics.ReasonTimeout,
			})

			Eventually(func() int64 {
				return collector.Snapshot().Backends[backendA].Failures[metrics.ReasonTimeout]
			}).Should(Equal(int64(1)))
		})

		It("should process EventPoolExhausted", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventPoolExhausted})
			Eventually(func() int64 {
				return collector.Snapshot().PoolExhausted
			}).Should(Equal(int64(1)))
		})

		It("should process EventResponseRelayed", func() {
			collector.Emit(metrics.MetricEvent{
				Type:       metrics.EventResponseRelayed,
				Backend:    backendA,
				Duration:   100 * time.Millisecond,
				StatusCode: 200,
			})

			Eventually(func() map[int]int64 {
				return collector.Snapshot().Backends[backendA].StatusCodes
			}).Should(HaveKeyWithValue(200, int64(1)))
		})

		It("should process EventHealthChanged", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Backend: backendA, Healthy: true})
			Eventually(func() bool {
				return collector.Snapshot().Backends[backendA].Healthy
			}).Should(BeTrue())
		})

		It("should drain events on context cancellation", func() {
			for i := 0; i < 5; i++ {
				collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestRouted, Backend: backendA})
			}
			cancel()

			Eventually(requests).Should(Equal(int64(5)))
		})
	})

	Describe("Prometheus series", func() {
		BeforeEach(func() {
			collector.Start(ctx)
		})

		It("should register every series on the private registry", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestRouted, Backend: backendA})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendFailed, Backend: backendA, Reason: metrics.ReasonConnect})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventPoolExhausted})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventResponseRelayed, Backend: backendA, Duration: time.Millisecond})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Backend: backendA, Healthy: true})

			Eventually(func() []string {
				families, _ := collector.Gatherer().Gather()

				names := make([]string, 0, len(families))
				for _, f := range families {
					names = append(names, f.GetName())
				}
				return names
			}).Should(ContainElements(
				"lb_requests_total",
				"lb_backend_failures_total",
				"lb_pool_exhausted_total",
				"lb_relay_duration_seconds",
				"lb_backend_healthy",
			))
		})

		It("should serve the exposition format", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestRouted, Backend: backendA})

			Eventually(func() string {
				w := httptest.NewRecorder()
				collector.PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
				body, _ := io.ReadAll(w.Body)
				return string(body)
			}).Should(ContainSubstring(`lb_requests_total{backend="127.0.0.1:8081"} 1`))
		})
	})

	Describe("Handler", func() {
		It("should serve the snapshot as JSON", func() {
			w := httptest.NewRecorder()
			collector.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Header().Get("Content-Type")).To(Equal("application/json"))
			Expect(w.Body.String()).To(ContainSubstring(`"total_requests":0`))
		})
	})
})
