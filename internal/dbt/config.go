package dbt

import "github.com/xyproto/env/v2"

// Verbose gates the stderr instruction trace emitted during translation
// and dispatch.
var Verbose = false

// defaultBlockCap and defaultCacheSize size the fixed-capacity descriptor
// pool and the code cache; both are overridable so tests can exercise the
// cache-full flush path against a cache far smaller than a real run would
// use.
const (
	defaultBlockCap  = 65536
	defaultCacheSize = 16 << 20
	Buckets          = 4096
	BlockMaxSize     = 1024 // upper bound on one translated block
	TrampolineSize   = 16   // exact direct-branch stub size
)

// config holds the env-tunable knobs, re-read at every Init rather than
// cached at package-init time.
type config struct {
	blockCap  int
	cacheSize int
}

func loadConfig() config {
	Verbose = env.Bool("DBT32_VERBOSE")
	return config{
		blockCap:  env.Int("DBT32_BLOCK_CAP", defaultBlockCap),
		cacheSize: env.Int("DBT32_CACHE_SIZE", defaultCacheSize),
	}
}
