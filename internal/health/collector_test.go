package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/concave-dev/nexa/internal/registry"
)

type fakeSampler struct {
	mu    sync.Mutex
	stats SystemStats
	err   error
}

func (f *fakeSampler) set(cpu, mem float64) {
	f.mu.Lock()
	f.stats.CPUUsage = cpu
	f.stats.MemoryUsage = mem
	f.mu.Unlock()
}

func (f *fakeSampler) sample(context.Context) (SystemStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.err
}

type alertLog struct {
	mu     sync.Mutex
	alerts []Alert
}

func (l *alertLog) record(a Alert) {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()
}

func (l *alertLog) all() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Alert(nil), l.alerts...)
}

func newTestCollector(t *testing.T, historySize int) (*Collector, *fakeSampler, *alertLog) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HistorySize = historySize
	sampler := &fakeSampler{}
	c, err := NewCollector(cfg, sampler.sample)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	log := &alertLog{}
	c.Subscribe(log.record)
	return c, sampler, log
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero interval", func(c *Config) { c.Interval = 0 }, true},
		{"zero history", func(c *Config) { c.HistorySize = 0 }, true},
		{"cpu over 100", func(c *Config) { c.Thresholds.CPU = 120 }, true},
		{"error rate over 1", func(c *Config) { c.Thresholds.ErrorRate = 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCPUThresholdRaisesAndClears(t *testing.T) {
	c, sampler, log := newTestCollector(t, 10)
	ctx := context.Background()

	sampler.set(50, 40)
	if _, err := c.Collect(ctx); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if got := len(log.all()); got != 0 {
		t.Fatalf("alerts after healthy sample = %d, want 0", got)
	}

	sampler.set(85, 40)
	c.Collect(ctx)
	alerts := log.all()
	if len(alerts) != 1 {
		t.Fatalf("alerts after cpu spike = %d, want 1", len(alerts))
	}
	if a := alerts[0]; a.Metric != MetricCPU || a.Cleared || !a.IsNode() || a.Threshold != DefaultCPUPercent {
		t.Errorf("unexpected alert %+v", a)
	}
	if !c.Degraded() {
		t.Error("Degraded() = false while cpu alert raised")
	}

	// staying above the threshold does not repeat the alert
	sampler.set(95, 40)
	c.Collect(ctx)
	if got := len(log.all()); got != 1 {
		t.Errorf("alerts after second high sample = %d, want 1", got)
	}

	sampler.set(80, 40)
	c.Collect(ctx)
	alerts = log.all()
	if len(alerts) != 2 || !alerts[1].Cleared {
		t.Fatalf("expected cleared alert, got %+v", alerts)
	}
	if c.Degraded() {
		t.Error("Degraded() = true after recovery")
	}
}

func TestMemoryThreshold(t *testing.T) {
	c, sampler, log := newTestCollector(t, 10)

	sampler.set(10, 91)
	c.Collect(context.Background())

	alerts := log.all()
	if len(alerts) != 1 || alerts[0].Metric != MetricMemory {
		t.Fatalf("alerts = %+v, want one memory alert", alerts)
	}
}

func TestErrorRateFromRequests(t *testing.T) {
	c, _, log := newTestCollector(t, 10)

	for i := 0; i < 10; i++ {
		c.RecordRequest(i < 3)
	}
	sample, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if sample.Requests != 10 || sample.Errors != 3 {
		t.Errorf("requests/errors = %d/%d, want 10/3", sample.Requests, sample.Errors)
	}
	if sample.ErrorRate != 0.3 {
		t.Errorf("ErrorRate = %v, want 0.3", sample.ErrorRate)
	}
	if alerts := log.all(); len(alerts) != 1 || alerts[0].Metric != MetricErrorRate {
		t.Fatalf("alerts = %+v, want one error rate alert", alerts)
	}

	// counters reset per sample
	sample, _ = c.Collect(context.Background())
	if sample.Requests != 0 || sample.ErrorRate != 0 {
		t.Errorf("second sample = %+v, want zero requests", sample)
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	c, sampler, _ := newTestCollector(t, 10)
	sampler.set(1, 1)

	var last uint64
	for i := 0; i < 5; i++ {
		s, err := c.Collect(context.Background())
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		if s.Seq <= last {
			t.Fatalf("sequence %d not greater than %d", s.Seq, last)
		}
		last = s.Seq
	}
	c.RecordAgent("a1", map[string]float64{"cpu": 1})
	if snap := c.Snapshot(); snap.Seq <= last {
		t.Errorf("snapshot seq %d not greater than %d", snap.Seq, last)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	c, sampler, _ := newTestCollector(t, 3)

	for i := 1; i <= 5; i++ {
		sampler.set(float64(i), 0)
		c.Collect(context.Background())
	}

	points := c.History(NodeSubject, MetricCPU)
	if len(points) != 3 {
		t.Fatalf("history length = %d, want 3", len(points))
	}
	for i, want := range []float64{3, 4, 5} {
		if points[i].Value != want {
			t.Errorf("points[%d] = %v, want %v", i, points[i].Value, want)
		}
	}
	if points[0].Seq >= points[2].Seq {
		t.Error("history not ordered oldest first")
	}

	latest, ok := c.Latest(NodeSubject, MetricCPU)
	if !ok || latest.Value != 5 {
		t.Errorf("Latest() = %v, %v; want 5, true", latest, ok)
	}
}

func TestAgentMetricsAlertAndForget(t *testing.T) {
	c, _, log := newTestCollector(t, 10)

	c.RecordAgent("a1", map[string]float64{"cpu": 95, "queue_depth": 12})
	alerts := log.all()
	if len(alerts) != 1 || alerts[0].Subject != "a1" || alerts[0].IsNode() {
		t.Fatalf("alerts = %+v, want one agent cpu alert", alerts)
	}

	snap := c.Snapshot()
	if snap.Agents["a1"]["queue_depth"] != 12 {
		t.Errorf("agent metrics = %v", snap.Agents["a1"])
	}
	if len(snap.Alerts) != 1 {
		t.Errorf("active alerts = %d, want 1", len(snap.Alerts))
	}
	if c.Degraded() {
		t.Error("agent alert must not mark the node degraded")
	}

	c.ForgetAgent("a1")
	alerts = log.all()
	if len(alerts) != 2 || !alerts[1].Cleared || alerts[1].Subject != "a1" {
		t.Fatalf("expected cleared alert on forget, got %+v", alerts)
	}
	if h := c.History("a1", "cpu"); h != nil {
		t.Errorf("history after forget = %v, want nil", h)
	}
}

func TestReplacedAgentAlertsAgain(t *testing.T) {
	c, _, log := newTestCollector(t, 10)
	reg, err := registry.New(nil)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	reg.OnRemove(c.ForgetAgent)

	if _, err := reg.Register(registry.Agent{ID: "a1", Capabilities: []string{"search"}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	c.RecordAgent("a1", map[string]float64{"cpu": 95})
	if alerts := log.all(); len(alerts) != 1 || alerts[0].Cleared {
		t.Fatalf("alerts = %+v, want one raised", alerts)
	}

	// the agent drops and comes back under the same id
	if _, err := reg.MarkUnreachable("a1"); err != nil {
		t.Fatalf("MarkUnreachable() error = %v", err)
	}
	if _, err := reg.Register(registry.Agent{ID: "a1", Capabilities: []string{"search"}}); err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}
	alerts := log.all()
	if len(alerts) != 2 || !alerts[1].Cleared {
		t.Fatalf("alerts = %+v, want the old alert cleared on replacement", alerts)
	}

	c.RecordAgent("a1", map[string]float64{"cpu": 97})
	alerts = log.all()
	if len(alerts) != 3 || alerts[2].Cleared || alerts[2].Subject != "a1" {
		t.Fatalf("alerts = %+v, want a fresh alert for the new registration", alerts)
	}

	if err := reg.Deregister("a1"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if snap := c.Snapshot(); len(snap.Alerts) != 0 {
		t.Errorf("active alerts after deregister = %+v, want none", snap.Alerts)
	}
}

func TestCollectSamplerError(t *testing.T) {
	c, sampler, _ := newTestCollector(t, 10)
	sampler.err = errors.New("sampler failed")

	if _, err := c.Collect(context.Background()); err == nil {
		t.Fatal("Collect() error = nil, want error")
	}
	if snap := c.Snapshot(); snap.Node != nil {
		t.Error("failed sample must not be recorded")
	}
}

func TestConnectionCounter(t *testing.T) {
	c, _, _ := newTestCollector(t, 10)
	c.SetConnectionCounter(func() int { return 7 })

	s, _ := c.Collect(context.Background())
	if s.Connections != 7 {
		t.Errorf("Connections = %d, want 7", s.Connections)
	}
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	sampler := &fakeSampler{}
	c, err := NewCollector(cfg, sampler.sample)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	c.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for len(c.History(NodeSubject, MetricCPU)) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	if n := len(c.History(NodeSubject, MetricCPU)); n < 2 {
		t.Errorf("background loop collected %d samples, want at least 2", n)
	}
	c.Stop()
}

func TestSampleSystem(t *testing.T) {
	stats, err := SampleSystem(context.Background())
	if err != nil {
		t.Fatalf("SampleSystem() error = %v", err)
	}
	if stats.CPUCores <= 0 {
		t.Errorf("CPUCores = %d, should be positive", stats.CPUCores)
	}
	if stats.MemoryTotal == 0 {
		t.Error("MemoryTotal should be positive")
	}
	if stats.MemoryUsage < 0 || stats.MemoryUsage > 100 {
		t.Errorf("MemoryUsage = %v, want 0-100", stats.MemoryUsage)
	}
}
