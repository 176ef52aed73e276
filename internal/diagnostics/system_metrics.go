package diagnostics

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/hugo-lorenzo-mato/faultline/internal/memreport"
)

// HardwareInfo describes the host, read once per process.
type HardwareInfo struct {
	CPUVendor     string  `json:"cpu_vendor,omitempty"`
	CPUModel      string  `json:"cpu_model"`
	CPUCores      int     `json:"cpu_cores"`
	CPUThreads    int     `json:"cpu_threads"`
	PhysicalMemMB float64 `json:"physical_mem_mb,omitempty"`
	Source        string  `json:"source"`
}

// ProcessMemory is the kernel's view of this process's memory.
type ProcessMemory struct {
	RSSMB  float64 `json:"rss_mb"`
	VMSMB  float64 `json:"vms_mb"`
	SwapMB float64 `json:"swap_mb,omitempty"`
}

// SystemMetrics holds system-wide resource usage.
type SystemMetrics struct {
	Hardware HardwareInfo `json:"hardware"`

	CPUPercent float64 `json:"cpu_percent"`

	// Memory (in MB)
	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`

	// Disk (in GB)
	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskUsedGB  float64 `json:"disk_used_gb"`
	DiskPercent float64 `json:"disk_percent"`

	// Load Average (Unix)
	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`

	Process ProcessMemory `json:"process"`
}

// SystemMetricsCollector collects system-wide statistics.
type SystemMetricsCollector struct {
	mu           sync.Mutex
	lastCPUTotal float64
	lastCPUIdle  float64
	proc         *process.Process
}

// NewSystemMetricsCollector creates a new system metrics collector.
func NewSystemMetricsCollector() *SystemMetricsCollector {
	c := &SystemMetricsCollector{}
	// #nosec G115 -- pids fit in int32 on every supported platform
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	return c
}

// Collect gathers current system statistics. Sources that fail leave their
// fields zero.
func (c *SystemMetricsCollector) Collect() SystemMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := SystemMetrics{Hardware: Hardware()}
	c.collectMemoryInfo(&stats)
	c.collectCPUInfo(&stats)
	c.collectDiskInfo(&stats)
	c.collectLoadAvg(&stats)
	stats.Process = c.processMemory()
	return stats
}

// ProcessMemory returns the process's resident and virtual size.
func (c *SystemMetricsCollector) ProcessMemory() ProcessMemory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processMemory()
}

func (c *SystemMetricsCollector) processMemory() ProcessMemory {
	if c.proc == nil {
		return ProcessMemory{}
	}
	info, err := c.proc.MemoryInfo()
	if err != nil || info == nil {
		return ProcessMemory{}
	}
	return ProcessMemory{
		RSSMB:  float64(info.RSS) / 1024 / 1024,
		VMSMB:  float64(info.VMS) / 1024 / 1024,
		SwapMB: float64(info.Swap) / 1024 / 1024,
	}
}

func (c *SystemMetricsCollector) collectMemoryInfo(stats *SystemMetrics) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	stats.MemTotalMB = float64(vm.Total) / 1024 / 1024
	stats.MemUsedMB = float64(vm.Used) / 1024 / 1024
	stats.MemPercent = vm.UsedPercent
}

// collectCPUInfo computes usage since the previous call; the first call
// only primes the counters.
func (c *SystemMetricsCollector) collectCPUInfo(stats *SystemMetrics) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return
	}

	t := times[0]
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	idleTime := t.Idle + t.Iowait

	if c.lastCPUTotal > 0 {
		totalDelta := total - c.lastCPUTotal
		idleDelta := idleTime - c.lastCPUIdle
		if totalDelta > 0 {
			stats.CPUPercent = (1 - idleDelta/totalDelta) * 100
		}
	}

	c.lastCPUTotal = total
	c.lastCPUIdle = idleTime
}

func (c *SystemMetricsCollector) collectDiskInfo(stats *SystemMetrics) {
	usage, err := disk.Usage(rootDiskPath())
	if err != nil {
		return
	}
	stats.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
	stats.DiskUsedGB = float64(usage.Used) / 1024 / 1024 / 1024
	stats.DiskPercent = usage.UsedPercent
}

func (c *SystemMetricsCollector) collectLoadAvg(stats *SystemMetrics) {
	avg, err := load.Avg()
	if err != nil {
		return
	}
	stats.LoadAvg1 = avg.Load1
	stats.LoadAvg5 = avg.Load5
	stats.LoadAvg15 = avg.Load15
}

var (
	hardwareOnce sync.Once
	hardware     HardwareInfo
)

// Hardware returns the cached host description. ghw is tried first since it
// reports physical topology; gopsutil fills whatever it left empty.
func Hardware() HardwareInfo {
	hardwareOnce.Do(func() { hardware = readHardware() })
	return hardware
}

func readHardware() HardwareInfo {
	var hw HardwareInfo
	var sources []string

	if info, err := ghw.CPU(); err == nil && info != nil {
		hw.CPUCores = int(info.TotalCores)
		hw.CPUThreads = int(info.TotalThreads)
		if len(info.Processors) > 0 && info.Processors[0] != nil {
			hw.CPUVendor = strings.TrimSpace(info.Processors[0].Vendor)
			hw.CPUModel = strings.TrimSpace(info.Processors[0].Model)
		}
		sources = append(sources, "ghw")
	}
	if info, err := ghw.Memory(); err == nil && info != nil && info.TotalPhysicalBytes > 0 {
		hw.PhysicalMemMB = float64(info.TotalPhysicalBytes) / 1024 / 1024
	}

	fallback := false
	if hw.CPUModel == "" {
		if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
			hw.CPUModel = strings.TrimSpace(infos[0].ModelName)
			if hw.CPUVendor == "" {
				hw.CPUVendor = infos[0].VendorID
			}
			fallback = true
		}
	}
	if hw.CPUCores == 0 {
		if n, err := cpu.Counts(false); err == nil && n > 0 {
			hw.CPUCores = n
			fallback = true
		}
	}
	if hw.CPUThreads == 0 {
		if n, err := cpu.Counts(true); err == nil && n > 0 {
			hw.CPUThreads = n
			fallback = true
		}
	}
	if hw.CPUThreads == 0 {
		hw.CPUThreads = runtime.NumCPU()
	}
	if fallback {
		sources = append(sources, "gopsutil")
	}
	hw.Source = strings.Join(sources, "+")
	return hw
}

// MemoryHeader returns a memory report header hook that prints process and
// Go heap figures above the ownership tree.
func (c *SystemMetricsCollector) MemoryHeader() memreport.HeaderFunc {
	return func(w io.Writer) {
		pm := c.ProcessMemory()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		fmt.Fprintf(w, "Process: rss %.1f MB, vms %.1f MB\n", pm.RSSMB, pm.VMSMB)
		fmt.Fprintf(w, "Go heap: alloc %.1f MB, in use %.1f MB, objects %d, gc cycles %d\n",
			float64(ms.HeapAlloc)/1024/1024, float64(ms.HeapInuse)/1024/1024,
			ms.HeapObjects, ms.NumGC)
	}
}

func rootDiskPath() string {
	if runtime.GOOS == "windows" {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive + "\\"
	}
	return "/"
}
