// Package metrics exposes bridge counters in Prometheus format.
// All methods are safe on nil *Metrics, so components may run without metrics.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vcutele"

// Frame error kinds.
const (
	KindFraming  = "framing"
	KindChecksum = "checksum"
	KindIO       = "io"
)

type Metrics struct {
	reg *prometheus.Registry

	framesDecoded   prometheus.Counter
	frameErrors     *prometheus.CounterVec
	bytesDropped    prometheus.Counter
	framesCoalesced prometheus.Counter
	framesGated     prometheus.Counter
	passes          prometheus.Counter
	published       prometheus.Counter
	publishErrors   *prometheus.CounterVec
	passDuration    prometheus.Histogram
	dispatchState   prometheus.Gauge
	linkUp          prometheus.Gauge
	brokerConnected prometheus.Gauge
	serialOpens     *prometheus.CounterVec
	loggedErrors    prometheus.Counter
}

func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	self := &Metrics{
		reg:             prometheus.NewRegistry(),
		framesDecoded:   counter("frames_decoded_total", "Valid telemetry frames stored in snapshot."),
		bytesDropped:    counter("serial_bytes_dropped_total", "Stream bytes discarded while searching for frame envelope."),
		framesCoalesced: counter("frames_coalesced_total", "Frames stored while publish pass was running."),
		framesGated:     counter("frames_gated_total", "Frames stored while link or broker was down."),
		passes:          counter("publish_passes_total", "Publish passes started."),
		published:       counter("published_total", "Messages accepted by broker session."),
		loggedErrors:    counter("logged_errors_total", "Errors written to log."),
		dispatchState:   gauge("dispatch_publishing", "1 while publish pass is running."),
		linkUp:          gauge("link_up", "1 when network link is up."),
		brokerConnected: gauge("broker_connected", "1 when broker session is connected."),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frame_errors_total", Help: "Rejected serial reads by kind.",
		}, []string{"kind"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_errors_total", Help: "Failed publishes by topic.",
		}, []string{"topic"}),
		serialOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "serial_open_total", Help: "Serial port open attempts by result.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_pass_seconds",
			Help:      "Duration of publish pass over all topics.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	self.reg.MustRegister(
		self.framesDecoded, self.frameErrors, self.bytesDropped,
		self.framesCoalesced, self.framesGated,
		self.passes, self.published, self.publishErrors, self.passDuration,
		self.dispatchState, self.linkUp, self.brokerConnected,
		self.serialOpens, self.loggedErrors,
	)
	return self
}

func (self *Metrics) Registry() *prometheus.Registry {
	if self == nil {
		return nil
	}
	return self.reg
}

// RegisterAge exposes snapshot age, f is called on each scrape.
func (self *Metrics) RegisterAge(f func() time.Duration) {
	if self == nil {
		return
	}
	self.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_age_seconds",
		Help:      "Time since last valid frame, 0 if none yet.",
	}, func() float64 { return f().Seconds() }))
}

func (self *Metrics) FrameDecoded() {
	if self != nil {
		self.framesDecoded.Inc()
	}
}

func (self *Metrics) FrameError(kind string) {
	if self != nil {
		self.frameErrors.WithLabelValues(kind).Inc()
	}
}

// BytesDropped adds delta of decoder dropped counter.
func (self *Metrics) BytesDropped(n uint64) {
	if self != nil && n > 0 {
		self.bytesDropped.Add(float64(n))
	}
}

func (self *Metrics) FrameCoalesced() {
	if self != nil {
		self.framesCoalesced.Inc()
	}
}

func (self *Metrics) FrameGated() {
	if self != nil {
		self.framesGated.Inc()
	}
}

func (self *Metrics) PassBegin() {
	if self != nil {
		self.passes.Inc()
		self.dispatchState.Set(1)
	}
}

func (self *Metrics) PassEnd(d time.Duration) {
	if self != nil {
		self.dispatchState.Set(0)
		self.passDuration.Observe(d.Seconds())
	}
}

func (self *Metrics) Published() {
	if self != nil {
		self.published.Inc()
	}
}

func (self *Metrics) PublishError(topic string) {
	if self != nil {
		self.publishErrors.WithLabelValues(topic).Inc()
	}
}

func (self *Metrics) LinkUp(up bool) {
	if self != nil {
		self.linkUp.Set(boolFloat(up))
	}
}

func (self *Metrics) BrokerConnected(up bool) {
	if self != nil {
		self.brokerConnected.Set(boolFloat(up))
	}
}

func (self *Metrics) SerialOpen(err error) {
	if self == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	self.serialOpens.WithLabelValues(result).Inc()
}

// LoggedError fits log2.ErrorFunc.
func (self *Metrics) LoggedError(error) {
	if self != nil {
		self.loggedErrors.Inc()
	}
}

func (self *Metrics) Handler() http.Handler {
	if self == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(self.reg, promhttp.HandlerOpts{Registry: self.reg})
}

// Serve runs /metrics and /healthz on listen address until ctx is done.
func (self *Metrics) Serve(ctx context.Context, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Annotatef(err, "metrics listen=%s", listen)
	}
	return self.serve(ctx, ln)
}

func (self *Metrics) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", self.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Annotate(err, "metrics serve")
	}
	return nil
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
