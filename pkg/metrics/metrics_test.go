package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRuleMetrics(t *testing.T) {
	RuleExecutions.Reset()
	RuleEvaluations.Reset()

	tests := []struct {
		name     string
		testFunc func()
		check    func(t *testing.T)
	}{
		{
			name:     "execution_success",
			testFunc: func() { RuleExecutions.WithLabelValues("LABEL", "executed").Inc() },
			check: func(t *testing.T) {
				if v := testutil.ToFloat64(RuleExecutions.WithLabelValues("LABEL", "executed")); v != 1 {
					t.Errorf("expected 1 LABEL execution, got %v", v)
				}
			},
		},
		{
			name: "execution_failures_by_kind",
			testFunc: func() {
				RuleExecutions.WithLabelValues("MOVE_TO_FOLDER", "ResourceNotFound").Add(2)
			},
			check: func(t *testing.T) {
				if v := testutil.ToFloat64(RuleExecutions.WithLabelValues("MOVE_TO_FOLDER", "ResourceNotFound")); v != 2 {
					t.Errorf("expected 2 failures, got %v", v)
				}
			},
		},
		{
			name:     "evaluations",
			testFunc: func() { RuleEvaluations.WithLabelValues("matched").Inc() },
			check: func(t *testing.T) {
				if v := testutil.ToFloat64(RuleEvaluations.WithLabelValues("matched")); v != 1 {
					t.Errorf("expected 1 match, got %v", v)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.testFunc()
			tt.check(t)
		})
	}

	if n := testutil.CollectAndCount(RuleExecutions); n != 2 {
		t.Errorf("expected 2 label combinations, got %d", n)
	}
}

func TestOutboxDepthGauge(t *testing.T) {
	OutboxDepth.Reset()
	OutboxDepth.WithLabelValues("PENDING").Set(12)
	OutboxDepth.WithLabelValues("FAILED").Set(1)
	OutboxDepth.WithLabelValues("PENDING").Set(3)

	if v := testutil.ToFloat64(OutboxDepth.WithLabelValues("PENDING")); v != 3 {
		t.Errorf("expected PENDING depth 3, got %v", v)
	}
	if v := testutil.ToFloat64(OutboxDepth.WithLabelValues("FAILED")); v != 1 {
		t.Errorf("expected FAILED depth 1, got %v", v)
	}
}
