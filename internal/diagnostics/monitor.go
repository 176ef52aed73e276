package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

// ResourceSnapshot captures process resource state at a point in time.
type ResourceSnapshot struct {
	Timestamp      time.Time     `json:"timestamp"`
	OpenFDs        int           `json:"open_fds"`
	MaxFDs         int           `json:"max_fds"`
	FDUsagePercent float64       `json:"fd_usage_percent"`
	Goroutines     int           `json:"goroutines"`
	HeapAllocMB    float64       `json:"heap_alloc_mb"`
	HeapInUseMB    float64       `json:"heap_in_use_mb"`
	StackInUseMB   float64       `json:"stack_in_use_mb"`
	GCPauseNS      uint64        `json:"gc_pause_ns"`
	NumGC          uint32        `json:"num_gc"`
	TrackedBytes   int           `json:"tracked_bytes"`
	TrackedBlocks  int           `json:"tracked_blocks"`
	ProcessUptime  time.Duration `json:"process_uptime"`
	CommandsRun    int64         `json:"commands_run"`
	CommandsActive int           `json:"commands_active"`
}

// ResourceTrend captures resource usage trends over time.
type ResourceTrend struct {
	FDGrowthRate        float64  // FDs per hour
	GoroutineGrowthRate float64  // Goroutines per hour
	MemoryGrowthRate    float64  // MB per hour
	TrackedGrowthRate   float64  // tracked blocks per hour
	IsHealthy           bool     // Overall health assessment
	Warnings            []string // Trend-based warnings
}

// HealthWarning represents a single health concern.
type HealthWarning struct {
	Level   string  // "warning" or "critical"
	Type    string  // "fd", "goroutine", "memory"
	Message string  // Human-readable description
	Value   float64 // Current value
	Limit   float64 // Threshold that was exceeded
}

// Thresholds are the limits CheckHealth compares the latest snapshot
// against. Zero disables a check.
type Thresholds struct {
	FDPercent  int
	Goroutines int
	HeapMB     int
}

// DefaultThresholds are used by `faultline serve`.
var DefaultThresholds = Thresholds{FDPercent: 80, Goroutines: 10000, HeapMB: 4096}

// ResourceMonitor tracks process resource usage over time.
type ResourceMonitor struct {
	interval    time.Duration
	thresholds  Thresholds
	historySize int
	logger      *slog.Logger

	history []ResourceSnapshot
	mu      sync.RWMutex

	commandsRun    atomic.Int64
	commandsActive atomic.Int32

	stopCh  chan struct{}
	stopped atomic.Bool
	started time.Time
}

// NewResourceMonitor creates a new resource monitor.
func NewResourceMonitor(interval time.Duration, thresholds Thresholds, historySize int, logger *slog.Logger) *ResourceMonitor {
	if historySize <= 0 {
		historySize = 120 // 1 hour at 30s intervals
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ResourceMonitor{
		interval:    interval,
		thresholds:  thresholds,
		historySize: historySize,
		logger:      logger,
		history:     make([]ResourceSnapshot, 0, historySize),
		stopCh:      make(chan struct{}),
		started:     time.Now(),
	}
}

// Start runs the monitor in a new goroutine.
func (m *ResourceMonitor) Start(ctx context.Context) {
	go func() { _ = m.Run(ctx) }()
}

// Run samples until ctx is done or Stop is called.
func (m *ResourceMonitor) Run(ctx context.Context) error {
	m.recordSnapshot(m.TakeSnapshot())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			m.recordSnapshot(m.TakeSnapshot())
			for _, w := range m.CheckHealth() {
				m.logger.Warn("resource warning",
					"type", w.Type,
					"level", w.Level,
					"value", w.Value,
					"limit", w.Limit,
					"message", w.Message,
				)
			}
		}
	}
}

// Stop halts the monitoring loop.
func (m *ResourceMonitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}

// TakeSnapshot captures current resource state. Tracked bytes and blocks
// are only counted while root tracking is on.
func (m *ResourceMonitor) TakeSnapshot() ResourceSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	openFDs, maxFDs := CountFDs()
	fdPercent := 0.0
	if maxFDs > 0 {
		fdPercent = float64(openFDs) / float64(maxFDs) * 100
	}

	s := ResourceSnapshot{
		Timestamp:      time.Now(),
		OpenFDs:        openFDs,
		MaxFDs:         maxFDs,
		FDUsagePercent: fdPercent,
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocMB:    float64(memStats.HeapAlloc) / 1024 / 1024,
		HeapInUseMB:    float64(memStats.HeapInuse) / 1024 / 1024,
		StackInUseMB:   float64(memStats.StackInuse) / 1024 / 1024,
		GCPauseNS:      memStats.PauseNs[(memStats.NumGC+255)%256],
		NumGC:          memStats.NumGC,
		ProcessUptime:  time.Since(m.started),
		CommandsRun:    m.commandsRun.Load(),
		CommandsActive: int(m.commandsActive.Load()),
	}
	if ownership.RootTracking() {
		s.TrackedBytes, s.TrackedBlocks = ownership.Root().TotalSize()
	}
	return s
}

func (m *ResourceMonitor) recordSnapshot(s ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, s)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
}

// GetHistory returns historical snapshots, oldest first.
func (m *ResourceMonitor) GetHistory() []ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ResourceSnapshot, len(m.history))
	copy(result, m.history)
	return result
}

// GetLatest returns the most recent snapshot.
func (m *ResourceMonitor) GetLatest() (ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return ResourceSnapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// GetTrend analyzes recent snapshots for concerning trends.
func (m *ResourceMonitor) GetTrend() ResourceTrend {
	return trendOf(m.GetHistory())
}

func trendOf(history []ResourceSnapshot) ResourceTrend {
	if len(history) < 2 {
		return ResourceTrend{IsHealthy: true}
	}

	first := history[0]
	last := history[len(history)-1]
	duration := last.Timestamp.Sub(first.Timestamp).Hours()
	if duration < 0.01 { // under 36 seconds
		return ResourceTrend{IsHealthy: true}
	}

	trend := ResourceTrend{
		FDGrowthRate:        float64(last.OpenFDs-first.OpenFDs) / duration,
		GoroutineGrowthRate: float64(last.Goroutines-first.Goroutines) / duration,
		MemoryGrowthRate:    (last.HeapAllocMB - first.HeapAllocMB) / duration,
		TrackedGrowthRate:   float64(last.TrackedBlocks-first.TrackedBlocks) / duration,
		IsHealthy:           true,
	}

	if trend.FDGrowthRate > 10 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("FD count growing at %.1f/hour (potential leak)", trend.FDGrowthRate))
	}
	if trend.GoroutineGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("Goroutine count growing at %.1f/hour (potential leak)", trend.GoroutineGrowthRate))
	}
	if trend.MemoryGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("Memory growing at %.1f MB/hour", trend.MemoryGrowthRate))
	}
	if trend.TrackedGrowthRate > 1000 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("Tracked contexts growing at %.1f/hour (potential leak)", trend.TrackedGrowthRate))
	}

	return trend
}

// IncrementCommandCount is called when a command starts.
func (m *ResourceMonitor) IncrementCommandCount() {
	m.commandsRun.Add(1)
	m.commandsActive.Add(1)
}

// DecrementActiveCommands is called when a command completes.
func (m *ResourceMonitor) DecrementActiveCommands() {
	m.commandsActive.Add(-1)
}

// CheckHealth returns warnings if thresholds are exceeded.
func (m *ResourceMonitor) CheckHealth() []HealthWarning {
	snapshot, ok := m.GetLatest()
	if !ok {
		snapshot = m.TakeSnapshot()
	}
	return checkThresholds(snapshot, m.thresholds)
}

func checkThresholds(s ResourceSnapshot, t Thresholds) []HealthWarning {
	var warnings []HealthWarning

	if t.FDPercent > 0 && s.FDUsagePercent > float64(t.FDPercent) {
		level := "warning"
		if s.FDUsagePercent > 90 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "fd",
			Message: fmt.Sprintf("FD usage at %.1f%% (threshold: %d%%)", s.FDUsagePercent, t.FDPercent),
			Value:   s.FDUsagePercent,
			Limit:   float64(t.FDPercent),
		})
	}

	if t.Goroutines > 0 && s.Goroutines > t.Goroutines {
		level := "warning"
		if s.Goroutines > t.Goroutines*2 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "goroutine",
			Message: fmt.Sprintf("Goroutine count at %d (threshold: %d)", s.Goroutines, t.Goroutines),
			Value:   float64(s.Goroutines),
			Limit:   float64(t.Goroutines),
		})
	}

	if t.HeapMB > 0 && s.HeapAllocMB > float64(t.HeapMB) {
		level := "warning"
		if s.HeapAllocMB > float64(t.HeapMB)*1.5 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "memory",
			Message: fmt.Sprintf("Heap usage at %.1f MB (threshold: %d MB)", s.HeapAllocMB, t.HeapMB),
			Value:   s.HeapAllocMB,
			Limit:   float64(t.HeapMB),
		})
	}

	return warnings
}

// Uptime returns the time since the monitor was created.
func (m *ResourceMonitor) Uptime() time.Duration {
	return time.Since(m.started)
}
