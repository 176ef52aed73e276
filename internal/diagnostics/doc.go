// Package diagnostics collects the process and host state written next to
// a fault: crash dump files, a periodic resource monitor, host metrics and
// a supervised executor for panic actions and child programs.
//
//   - CrashDumpWriter persists a JSON record for a caught signal, a
//     recovered panic or a child that died abnormally, and prunes old ones.
//
//   - ResourceMonitor samples descriptors, goroutines, heap and the bytes
//     held by tracked ownership contexts, and flags leak-shaped trends.
//
//   - SystemMetricsCollector reads host CPU, memory, disk and load, and
//     the process's own resident memory, for crash dumps and memory
//     reports.
//
//   - SafeExecutor runs the panic action and `faultline exec` children
//     with preflight checks and guaranteed pipe cleanup.
package diagnostics
