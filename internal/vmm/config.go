package vmm

import "github.com/xyproto/env/v2"

// Verbose gates the stderr tracing sys_* entries emit.
var Verbose = false

// loadConfig reads the handful of env vars this package honors. Called
// from Init so a fresh Core always reflects the current environment rather
// than whatever was set at package-init time.
func loadConfig() {
	Verbose = env.Bool("DBT32_VERBOSE")
}
