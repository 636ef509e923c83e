package metrics

import (
	stackdriver "github.com/launchdarkly/opencensus-go-exporter-stackdriver"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"

	"github.com/cajpany/tinycdp/config"
)

// stackdriverExporter fans out the same opencensus views to Google Cloud
// Monitoring: construct once against a project ID, register with both stats and
// trace, unregister symmetrically on Close.
type stackdriverExporter struct {
	exporter *stackdriver.Exporter
}

func newStackdriverExporter(sc config.StackdriverConfig, prefix string) (*stackdriverExporter, error) {
	exp, err := stackdriver.NewExporter(stackdriver.Options{
		ProjectID:    sc.ProjectID,
		MetricPrefix: prefix,
	})
	if err != nil {
		return nil, err
	}
	view.RegisterExporter(exp)
	trace.RegisterExporter(exp)
	return &stackdriverExporter{exporter: exp}, nil
}

func (s *stackdriverExporter) Close() error {
	view.UnregisterExporter(s.exporter)
	trace.UnregisterExporter(s.exporter)
	s.exporter.Flush()
	return nil
}
