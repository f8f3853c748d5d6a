package metrics

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// UsageSample holds CPU and memory usage for one source's child process.
type UsageSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// UsageConfig holds configuration for child process usage sampling.
type UsageConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	History  int           `mapstructure:"history"`
}

// UsageCollector periodically samples CPU/memory of each source's child
// process. Every source has at most one child, so history is a plain bounded
// slice per source id.
type UsageCollector struct {
	enabled  bool
	interval time.Duration
	maxHist  int

	mu      sync.RWMutex
	history map[string][]UsageSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewUsageCollector creates a collector; disabled collectors are inert.
func NewUsageCollector(cfg UsageConfig) *UsageCollector {
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Second
	}
	maxHist := cfg.History
	if maxHist == 0 {
		maxHist = 100
	}
	return &UsageCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		maxHist:  maxHist,
		history:  make(map[string][]UsageSample),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tailexplorer",
				Subsystem: "source",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of the source child process.",
			}, []string{"source"},
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tailexplorer",
				Subsystem: "source",
				Name:      "memory_mb",
				Help:      "Resident memory in MB of the source child process.",
			}, []string{"source"},
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tailexplorer",
				Subsystem: "source",
				Name:      "num_threads",
				Help:      "Thread count of the source child process.",
			}, []string{"source"},
		),
		numFDs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tailexplorer",
				Subsystem: "source",
				Name:      "num_fds",
				Help:      "Open file descriptors of the source child process (Unix only).",
			}, []string{"source"},
		),
	}
}

// RegisterMetrics registers the usage gauges with the provided registerer.
func (c *UsageCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, col := range collectors {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. pids reports the current source->PID map;
// sources without a running child must be absent from it.
func (c *UsageCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(pids())
			}
		}
	}()
}

// Stop halts sampling and waits for the worker to exit.
func (c *UsageCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *UsageCollector) collect(pids map[string]int32) {
	now := time.Now()
	samples := make(map[string]UsageSample, len(pids))
	for source, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := samplePID(pid, now)
		if err != nil {
			continue
		}
		samples[source] = s
	}

	c.mu.Lock()
	for source, s := range samples {
		c.cpuPercent.WithLabelValues(source).Set(s.CPUPercent)
		c.memoryMB.WithLabelValues(source).Set(s.MemoryMB)
		c.numThreads.WithLabelValues(source).Set(float64(s.NumThreads))
		if runtime.GOOS != "windows" && s.NumFDs > 0 {
			c.numFDs.WithLabelValues(source).Set(float64(s.NumFDs))
		}
		hist := append(c.history[source], s)
		if len(hist) > c.maxHist {
			hist = hist[len(hist)-c.maxHist:]
		}
		c.history[source] = hist
	}
	// drop gauges and history for sources whose child is gone
	for source := range c.history {
		if _, live := pids[source]; !live {
			delete(c.history, source)
			c.cpuPercent.DeleteLabelValues(source)
			c.memoryMB.DeleteLabelValues(source)
			c.numThreads.DeleteLabelValues(source)
			if runtime.GOOS != "windows" {
				c.numFDs.DeleteLabelValues(source)
			}
		}
	}
	c.mu.Unlock()
}

func samplePID(pid int32, now time.Time) (UsageSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return UsageSample{}, err
	}
	s := UsageSample{PID: pid, Timestamp: now}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return UsageSample{}, err
	}
	s.MemoryRSS = mem.RSS
	s.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if nt, err := proc.NumThreads(); err == nil {
		s.NumThreads = nt
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}

// Latest returns the most recent sample for a source.
func (c *UsageCollector) Latest(source string) (UsageSample, bool) {
	if !c.enabled {
		return UsageSample{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	hist := c.history[source]
	if len(hist) == 0 {
		return UsageSample{}, false
	}
	return hist[len(hist)-1], true
}

// History returns the retained samples for a source in chronological order.
func (c *UsageCollector) History(source string) []UsageSample {
	if !c.enabled {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	hist := c.history[source]
	out := make([]UsageSample, len(hist))
	copy(out, hist)
	return out
}

// Enabled reports whether the collector is sampling.
func (c *UsageCollector) Enabled() bool { return c.enabled }
