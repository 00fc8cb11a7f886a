package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading for a supervised process.
type Sample struct {
	Process    string    `json:"process"`
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures periodic CPU and memory sampling.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceCollector samples CPU and memory of the running services.
type ResourceCollector struct {
	enabled  bool
	interval time.Duration

	mu      sync.Mutex
	handles map[int]*process.Process // pid -> handle; kept so CPU percent is measured between samples
	latest  map[string]Sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resources",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		handles:  make(map[int]*process.Process),
		latest:   make(map[string]Sample),
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage percentage of a supervised process."),
		rss:      gauge("rss_bytes", "Resident memory of a supervised process."),
		threads:  gauge("num_threads", "Thread count of a supervised process."),
		fds:      gauge("num_fds", "Open file descriptors of a supervised process (Unix only)."),
	}
}

func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpu, c.rss, c.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.fds)
	}
	for _, col := range cs {
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

// Start samples pids() every interval until ctx is done or Stop is called.
// pids maps a process name to its current pid; names with pid <= 0 are skipped.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(ctx, pids())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every listed process and updates the gauges.
func (c *ResourceCollector) Collect(ctx context.Context, pids map[string]int) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[int]struct{}, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			c.forget(name)
			continue
		}
		live[pid] = struct{}{}
		s, err := c.sample(ctx, name, pid, now)
		if err != nil {
			slog.Debug("sample process resources", "process", name, "pid", pid, "err", err)
			c.forget(name)
			continue
		}
		c.latest[name] = s
		if c.enabled {
			c.cpu.WithLabelValues(name).Set(s.CPUPercent)
			c.rss.WithLabelValues(name).Set(float64(s.RSSBytes))
			c.threads.WithLabelValues(name).Set(float64(s.NumThreads))
			if s.NumFDs > 0 {
				c.fds.WithLabelValues(name).Set(float64(s.NumFDs))
			}
		}
	}
	for pid := range c.handles {
		if _, ok := live[pid]; !ok {
			delete(c.handles, pid)
		}
	}
}

func (c *ResourceCollector) sample(ctx context.Context, name string, pid int, now time.Time) (Sample, error) {
	p, ok := c.handles[pid]
	if !ok {
		var err error
		p, err = process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			return Sample{}, err
		}
		c.handles[pid] = p
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	s := Sample{Process: name, PID: pid, RSSBytes: mem.RSS, Timestamp: now}
	if cpu, err := p.PercentWithContext(ctx, 0); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDsWithContext(ctx); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}

func (c *ResourceCollector) forget(name string) {
	if _, ok := c.latest[name]; !ok {
		return
	}
	delete(c.latest, name)
	if c.enabled {
		c.cpu.DeleteLabelValues(name)
		c.rss.DeleteLabelValues(name)
		c.threads.DeleteLabelValues(name)
		c.fds.DeleteLabelValues(name)
	}
}

// Latest returns the most recent sample per process name.
func (c *ResourceCollector) Latest() map[string]Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Sample, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}
