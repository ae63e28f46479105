package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/stockroom-erp/stockroom/internal/jobs"
)

func TestRebuildJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	// Simulate single-product rebuilds finishing fast and mostly successful.
	for i := 0; i < 60; i++ {
		tracker := metrics.Track("stock.rebuild")
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending tracker: %v", err)
		}
	}

	// Full rebuilds are slower but still within the 2s budget.
	for i := 0; i < 10; i++ {
		tracker := metrics.Track("stock.rebuild_all")
		time.Sleep(15 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending tracker: %v", err)
		}
	}

	// Inject a couple of failures to ensure alerts would fire.
	for i := 0; i < 3; i++ {
		tracker := metrics.Track("stock.rebuild")
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(errors.New("timeout")); err == nil {
			t.Fatal("expected error to propagate")
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "stockroom_jobs_total", map[string]string{"job": "stock.rebuild", "status": "success"})
	failure := metricValue(t, families, "stockroom_jobs_total", map[string]string{"job": "stock.rebuild", "status": "failure"})
	if success+failure == 0 {
		t.Fatal("no rebuild executions recorded")
	}
	ratio := success / (success + failure)
	if ratio < 0.9 {
		t.Fatalf("rebuild success ratio too low: %f", ratio)
	}

	fullDuration := histogramMean(t, families, "stockroom_job_duration_seconds", map[string]string{"job": "stock.rebuild_all"})
	if fullDuration > 2.0 {
		t.Fatalf("full rebuild duration above budget: %f", fullDuration)
	}

	scopedDuration := histogramMean(t, families, "stockroom_job_duration_seconds", map[string]string{"job": "stock.rebuild"})
	if scopedDuration > 0.5 {
		t.Fatalf("scoped rebuild duration above budget: %f", scopedDuration)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				if counter := metric.GetCounter(); counter != nil {
					return counter.GetValue()
				}
			}
		}
	}
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					continue
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s not found for labels %v", name, labels)
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, expected map[string]string) bool {
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range expected {
		if seen[k] != v {
			return false
		}
	}
	return true
}
