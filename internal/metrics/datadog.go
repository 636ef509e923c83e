package metrics

import (
	datadog "github.com/DataDog/opencensus-go-exporter-datadog"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"

	"github.com/cajpany/tinycdp/config"
)

// datadogExporter fans out the same opencensus views to a Datadog agent:
// construct once, register with both the stats and trace subsystems, unregister
// symmetrically on Close.
type datadogExporter struct {
	exporter *datadog.Exporter
}

func newDatadogExporter(dc config.DatadogConfig, prefix string) (*datadogExporter, error) {
	exp, err := datadog.NewExporter(datadog.Options{
		Namespace: prefix,
		TraceAddr: dc.TraceAddr,
		StatsAddr: dc.StatsAddr,
	})
	if err != nil {
		return nil, err
	}
	view.RegisterExporter(exp)
	trace.RegisterExporter(exp)
	return &datadogExporter{exporter: exp}, nil
}

func (d *datadogExporter) Close() error {
	view.UnregisterExporter(d.exporter)
	trace.UnregisterExporter(d.exporter)
	d.exporter.Stop()
	return nil
}
