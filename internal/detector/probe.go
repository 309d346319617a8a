package detector

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeTimeout bounds each health check.
const ProbeTimeout = 3 * time.Second

// Health values reported by Probe.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
	StatusHealthy     = "healthy"
	StatusDegraded    = "degraded"
)

// HealthReport is the combined state of the Presidio sidecars.
type HealthReport struct {
	Presidio   string `json:"presidio"`
	Analyzer   string `json:"analyzer"`
	Anonymizer string `json:"anonymizer"`
}

// Healthy reports whether both sidecars answered.
func (r HealthReport) Healthy() bool { return r.Presidio == StatusHealthy }

// Probe checks GET <url>/health on the analyzer and anonymizer concurrently.
// It never fails; an unreachable or non-2xx service is reported as unavailable.
func Probe(ctx context.Context, hc *http.Client, analyzerURL, anonymizerURL string) HealthReport {
	if hc == nil {
		hc = http.DefaultClient
	}
	var report HealthReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report.Analyzer = checkService(gctx, hc, analyzerURL)
		return nil
	})
	g.Go(func() error {
		report.Anonymizer = checkService(gctx, hc, anonymizerURL)
		return nil
	})
	g.Wait() //nolint:errcheck // probes never return errors

	report.Presidio = StatusDegraded
	if report.Analyzer == StatusOK && report.Anonymizer == StatusOK {
		report.Presidio = StatusHealthy
	}
	return report
}

func checkService(ctx context.Context, hc *http.Client, baseURL string) string {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return StatusUnavailable
	}
	resp, err := hc.Do(req) // #nosec G107 -- URL from trusted config
	if err != nil {
		return StatusUnavailable
	}
	resp.Body.Close() //nolint:errcheck // body unused
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusUnavailable
	}
	return StatusOK
}
