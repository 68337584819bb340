package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusHTTPHandler(t *testing.T) {
	OutboxEnqueued.Reset()
	QuotaRejections.Add(0)
	OutboxEnqueued.WithLabelValues("MessageForwardRequested").Add(4)

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	bodyStr := string(body)

	if !strings.Contains(bodyStr, `ruled_outbox_enqueued_total{event_type="MessageForwardRequested"} 4`) {
		t.Error("Expected forward enqueue count of 4")
	}
	if !strings.Contains(bodyStr, "ruled_quota_rejections_total") {
		t.Error("Expected ruled_quota_rejections_total in response")
	}
}

func TestHistogramObservations(t *testing.T) {
	RuleStepDuration.Reset()
	RuleStepDuration.WithLabelValues("DELETE").Observe(0.02)
	RuleStepDuration.WithLabelValues("DELETE").Observe(0.2)

	var m dto.Metric
	observer := RuleStepDuration.WithLabelValues("DELETE")
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("expected 2 samples, got %d", got)
	}
}
