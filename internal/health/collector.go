package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/validate"
)

// Metric names used for history keys, thresholds and alerts. Agents report
// the same names in status updates.
const (
	MetricCPU       = "cpu"
	MetricMemory    = "memory"
	MetricErrorRate = "error_rate"
)

// NodeSubject is the alert subject used for this node's own readings.
const NodeSubject = "node"

const (
	DefaultInterval    = 10 * time.Second
	DefaultHistorySize = 60
	DefaultCPUPercent  = 80.0
	DefaultMemPercent  = 90.0
	DefaultErrorRate   = 0.1
)

// Thresholds above which an alert is raised. A reading equal to the threshold
// does not alert.
type Thresholds struct {
	CPU       float64 `yaml:"cpu"`
	Memory    float64 `yaml:"memory"`
	ErrorRate float64 `yaml:"error_rate"`
}

func (t Thresholds) forMetric(metric string) (float64, bool) {
	switch metric {
	case MetricCPU:
		return t.CPU, true
	case MetricMemory:
		return t.Memory, true
	case MetricErrorRate:
		return t.ErrorRate, true
	}
	return 0, false
}

// Config controls sampling.
type Config struct {
	Interval    time.Duration `yaml:"interval"`
	HistorySize int           `yaml:"history_size"`
	Thresholds  Thresholds    `yaml:"thresholds"`
}

// DefaultConfig samples every ten seconds and keeps ten minutes of history.
func DefaultConfig() *Config {
	return &Config{
		Interval:    DefaultInterval,
		HistorySize: DefaultHistorySize,
		Thresholds: Thresholds{
			CPU:       DefaultCPUPercent,
			Memory:    DefaultMemPercent,
			ErrorRate: DefaultErrorRate,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.ValidatePositiveTimeout(c.Interval, "health interval"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveInt(c.HistorySize, "health history size"); err != nil {
		return err
	}
	if err := validate.ValidatePercent(c.Thresholds.CPU, "cpu threshold"); err != nil {
		return err
	}
	if err := validate.ValidatePercent(c.Thresholds.Memory, "memory threshold"); err != nil {
		return err
	}
	if c.Thresholds.ErrorRate <= 0 || c.Thresholds.ErrorRate > 1 {
		return fmt.Errorf("error rate threshold must be in (0, 1], got %v", c.Thresholds.ErrorRate)
	}
	return nil
}

// Alert reports a metric crossing its threshold (or returning under it, when
// Cleared is set).
type Alert struct {
	Seq       uint64    `json:"seq"`
	Subject   string    `json:"subject"` // NodeSubject or an agent id
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Cleared   bool      `json:"cleared"`
	Time      time.Time `json:"time"`
}

// IsNode reports whether the alert concerns this node rather than an agent.
func (a Alert) IsNode() bool {
	return a.Subject == NodeSubject
}

func (a Alert) String() string {
	state := "raised"
	if a.Cleared {
		state = "cleared"
	}
	return fmt.Sprintf("%s %s=%.2f (threshold %.2f) %s", a.Subject, a.Metric, a.Value, a.Threshold, state)
}

// AlertFunc receives alerts. It is called without collector locks held.
type AlertFunc func(Alert)

// Snapshot is a point-in-time view of everything the collector holds.
type Snapshot struct {
	Seq    uint64                        `json:"seq"`
	Node   *NodeSample                   `json:"node,omitempty"`
	Agents map[string]map[string]float64 `json:"agents"`
	Alerts []Alert                       `json:"alerts"` // Currently raised, not cleared
}

// Collector samples node metrics on an interval, records agent metrics and
// evaluates thresholds.
type Collector struct {
	config  *Config
	sampler SystemSampler

	connections func() int

	requests atomic.Uint64
	errors   atomic.Uint64

	mu          sync.RWMutex
	seq         uint64
	node        *NodeSample
	agents      map[string]map[string]float64
	histories   map[string]*history
	active      map[string]Alert // key: subject/metric
	subscribers []AlertFunc

	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a collector. A nil config uses DefaultConfig and a nil
// sampler uses SampleSystem.
func NewCollector(cfg *Config, sampler SystemSampler) (*Collector, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health config: %w", err)
	}
	if sampler == nil {
		sampler = SampleSystem
	}
	return &Collector{
		config:    cfg,
		sampler:   sampler,
		agents:    make(map[string]map[string]float64),
		histories: make(map[string]*history),
		active:    make(map[string]Alert),
		now:       time.Now,
	}, nil
}

// SetConnectionCounter registers the function reporting open connections.
func (c *Collector) SetConnectionCounter(fn func() int) {
	c.mu.Lock()
	c.connections = fn
	c.mu.Unlock()
}

// Subscribe registers fn for every alert raised or cleared after the call.
func (c *Collector) Subscribe(fn AlertFunc) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.mu.Unlock()
}

// RecordRequest counts one handled request; failed requests feed the node's
// error rate.
func (c *Collector) RecordRequest(failed bool) {
	c.requests.Add(1)
	if failed {
		c.errors.Add(1)
	}
}

// Collect takes one node sample, records it and evaluates thresholds.
func (c *Collector) Collect(ctx context.Context) (NodeSample, error) {
	stats, err := c.sampler(ctx)
	if err != nil {
		return NodeSample{}, fmt.Errorf("sample system: %w", err)
	}

	requests := c.requests.Swap(0)
	errs := c.errors.Swap(0)

	c.mu.Lock()
	sample := NodeSample{
		Time:     c.now(),
		System:   stats,
		Requests: requests,
		Errors:   errs,
	}
	if c.connections != nil {
		sample.Connections = c.connections()
	}
	if requests > 0 {
		sample.ErrorRate = float64(errs) / float64(requests)
	}

	c.seq++
	sample.Seq = c.seq
	c.node = &sample

	values := map[string]float64{
		MetricCPU:       stats.CPUUsage,
		MetricMemory:    stats.MemoryUsage,
		MetricErrorRate: sample.ErrorRate,
		"connections":   float64(sample.Connections),
		"goroutines":    float64(stats.Goroutines),
	}
	alerts := c.recordLocked(NodeSubject, values, sample.Time)
	subs := c.subscribers
	c.mu.Unlock()

	c.deliver(subs, alerts)
	return sample, nil
}

// RecordAgent stores the metrics an agent reported and evaluates thresholds
// for it. Unknown metric names are kept in history but never alert.
func (c *Collector) RecordAgent(agentID string, metrics map[string]float64) {
	if len(metrics) == 0 {
		return
	}

	c.mu.Lock()
	latest, ok := c.agents[agentID]
	if !ok {
		latest = make(map[string]float64, len(metrics))
		c.agents[agentID] = latest
	}
	for k, v := range metrics {
		latest[k] = v
	}
	c.seq++
	alerts := c.recordLocked(agentID, metrics, c.now())
	subs := c.subscribers
	c.mu.Unlock()

	c.deliver(subs, alerts)
}

// ForgetAgent drops an agent's history and clears its raised alerts.
func (c *Collector) ForgetAgent(agentID string) {
	c.mu.Lock()
	delete(c.agents, agentID)
	prefix := agentID + "/"
	for key := range c.histories {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.histories, key)
		}
	}
	var cleared []Alert
	now := c.now()
	for key, a := range c.active {
		if a.Subject == agentID {
			delete(c.active, key)
			c.seq++
			a.Seq = c.seq
			a.Cleared = true
			a.Time = now
			cleared = append(cleared, a)
		}
	}
	subs := c.subscribers
	c.mu.Unlock()

	c.deliver(subs, cleared)
}

// recordLocked appends values to the subject's histories and returns the
// alert transitions they cause. The caller has already advanced c.seq.
func (c *Collector) recordLocked(subject string, values map[string]float64, now time.Time) []Alert {
	seq := c.seq

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var alerts []Alert
	for _, name := range names {
		value := values[name]
		key := subject + "/" + name
		h, ok := c.histories[key]
		if !ok {
			h = newHistory(c.config.HistorySize)
			c.histories[key] = h
		}
		h.add(Point{Seq: seq, Time: now, Value: value})

		threshold, ok := c.config.Thresholds.forMetric(name)
		if !ok {
			continue
		}
		_, raised := c.active[key]
		switch {
		case value > threshold && !raised:
			a := Alert{Seq: seq, Subject: subject, Metric: name, Value: value, Threshold: threshold, Time: now}
			c.active[key] = a
			alerts = append(alerts, a)
		case value <= threshold && raised:
			delete(c.active, key)
			alerts = append(alerts, Alert{Seq: seq, Subject: subject, Metric: name, Value: value, Threshold: threshold, Cleared: true, Time: now})
		}
	}
	return alerts
}

func (c *Collector) deliver(subs []AlertFunc, alerts []Alert) {
	for _, a := range alerts {
		if a.Cleared {
			logging.Info("Health: alert cleared: %s", a)
		} else {
			logging.Warn("Health: alert raised: %s", a)
		}
		for _, fn := range subs {
			fn(a)
		}
	}
}

// History returns the recorded points for subject and metric, oldest first.
func (c *Collector) History(subject, metric string) []Point {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.histories[subject+"/"+metric]
	if !ok {
		return nil
	}
	return h.values()
}

// Latest returns the most recent value for subject and metric.
func (c *Collector) Latest(subject, metric string) (Point, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.histories[subject+"/"+metric]
	if !ok {
		return Point{}, false
	}
	return h.last()
}

// Degraded reports whether any node-level alert is currently raised.
func (c *Collector) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.active {
		if a.IsNode() {
			return true
		}
	}
	return false
}

// Snapshot copies the collector's current state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Seq:    c.seq,
		Agents: make(map[string]map[string]float64, len(c.agents)),
		Alerts: make([]Alert, 0, len(c.active)),
	}
	if c.node != nil {
		node := *c.node
		snap.Node = &node
	}
	for id, metrics := range c.agents {
		m := make(map[string]float64, len(metrics))
		for k, v := range metrics {
			m[k] = v
		}
		snap.Agents[id] = m
	}
	for _, a := range c.active {
		snap.Alerts = append(snap.Alerts, a)
	}
	sort.Slice(snap.Alerts, func(i, j int) bool { return snap.Alerts[i].Seq < snap.Alerts[j].Seq })
	return snap
}

// Start collects immediately and then on every interval until ctx is
// cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()

		for {
			if _, err := c.Collect(ctx); err != nil && ctx.Err() == nil {
				logging.Warn("Health: collection failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	logging.Info("Health: collector started (interval %v)", c.config.Interval)
}

// Stop halts the background loop and waits for it to exit.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}
