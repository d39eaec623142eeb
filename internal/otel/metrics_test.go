package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInitMetrics_RecordJob(t *testing.T) {
	ctx := context.Background()
	_, err := InitMeterProvider(ctx, "metrics-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordJob(ctx, PipelineScheduler, "post", "completed")
	RecordJob(ctx, PipelineFleet, "like", "failed")
}

func TestAddSubscriber_RemoveSubscriber(t *testing.T) {
	AddSubscriber()
	AddSubscriber()
	RemoveSubscriber()
	RemoveSubscriber()
	RemoveSubscriber() // should not go negative
	subscribersMu.Lock()
	n := subscribers
	subscribersMu.Unlock()
	if n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestRecordTick_RecordFleetDeploy_RecordEvent(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "record-test")
	_ = InitMetrics(ctx)
	RecordTick(ctx, PipelineScheduler, 100*time.Millisecond)
	RecordTickError(ctx, PipelineFleet)
	RecordFleetDeploy(ctx, "deployed")
	RecordEvent(ctx)
}

func TestInitMetricsWithJobCount(t *testing.T) {
	ctx := context.Background()
	handler, _ := InitMeterProvider(ctx, "jobcount-test")
	err := InitMetricsWithJobCount(ctx, func(context.Context) (map[string]int64, error) {
		return map[string]int64{"pending": 2, "completed": 5}, nil
	})
	if err != nil {
		t.Fatalf("InitMetricsWithJobCount: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "sybil_jobs") {
		t.Fatalf("expected sybil_jobs gauge in output")
	}
}

func TestInitMetricsWithJobCount_nilFuncAndError(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "jobcount-nil-test")
	if err := InitMetricsWithJobCount(ctx, nil); err != nil {
		t.Fatalf("InitMetricsWithJobCount(nil): %v", err)
	}
	err := InitMetricsWithJobCount(ctx, func(context.Context) (map[string]int64, error) {
		return nil, errors.New("db closed")
	})
	if err != nil {
		t.Fatalf("InitMetricsWithJobCount(err func): %v", err)
	}
}
