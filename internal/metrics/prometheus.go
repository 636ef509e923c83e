package metrics

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/stats/view"

	"github.com/cajpany/tinycdp/config"
	"github.com/cajpany/tinycdp/internal/logging"
)

// prometheusExporter serves the opencensus views this package registers on
// :PrometheusPort/metrics: a dedicated http.Server listening only on the
// exporter's own port, separate from the main API listener, with the Listen done
// up front so a bind failure surfaces immediately instead of inside a goroutine.
type prometheusExporter struct {
	exporter *prometheus.Exporter
	server   *http.Server
	listener net.Listener
	log      *logging.Loggers
}

func newPrometheusExporter(mc config.MetricsConfig, log *logging.Loggers) (*prometheusExporter, error) {
	exp, err := prometheus.NewExporter(prometheus.Options{
		Namespace: mc.Prefix,
		OnError: func(e error) {
			log.Errorf("prometheus exporter error: %s", e)
		},
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", exp)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", mc.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start Prometheus listener: %w", err)
	}

	p := &prometheusExporter{exporter: exp, server: server, listener: listener, log: log}
	go func() {
		if err := p.server.Serve(p.listener); err != nil && err != http.ErrServerClosed {
			p.log.Errorf("prometheus listener error: %s", err)
		}
	}()
	view.RegisterExporter(exp)
	log.Infof("prometheus exporter listening on %s/metrics", server.Addr)
	return p, nil
}

func (p *prometheusExporter) Close() error {
	view.UnregisterExporter(p.exporter)
	err := p.server.Close()
	_ = p.listener.Close()
	return err
}
