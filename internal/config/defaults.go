package config

// DefaultConfigYAML contains the default configuration YAML content.
// It is written by `faultline config init`.
const DefaultConfigYAML = `# faultline configuration
#
# Values not specified here use built-in defaults.

log:
  level: info
  # auto, text or json
  format: auto

fault:
  # Command run when a fatal signal is caught. %e is the program name,
  # %p the process ID. Leave empty to only print stacks.
  panic_action: ""
  panic_on_fault: false
  crash_output: true

backtrace:
  capacity: 65536

coredump:
  enabled: false

debug:
  addr: 127.0.0.1:6061
  # POST /debug/panic triggers the advisory panic handler.
  allow_panic: false

journal:
  path: .faultline/journal.db

crashdump:
  dir: .faultline/crashdumps
  max_files: 10
  include_env: false

monitor:
  interval: 30s
  history: 120
`
