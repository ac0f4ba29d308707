package query

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/verifiabledb/v2fs/internal/vfs"
)

// Options is the client configuration surface. DefaultOptions supplies
// the defaults; a YAML config file may override them, with command-line
// flags overriding the file.
type Options struct {
	// CacheSizeMB is the page-cache budget in megabytes.
	CacheSizeMB int `yaml:"cache_size_mb"`

	// OptLevel selects the caching layers: 0 none, 1 intra-query,
	// 2 inter-query, 3 inter-query with the versioned Bloom filter.
	OptLevel int `yaml:"opt_level"`

	// WorkloadPath names a file of SQL statements separated by ';'.
	WorkloadPath string `yaml:"workload_path"`

	// VBFBits and VBFHashes size the versioned Bloom filter.
	VBFBits   int `yaml:"vbf_m"`
	VBFHashes int `yaml:"vbf_k"`

	// Strict terminates the run on the first tampered query instead of
	// continuing to the next statement.
	Strict bool `yaml:"strict"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		CacheSizeMB: 500,
		OptLevel:    0,
		VBFBits:     10000,
		VBFHashes:   5,
	}
}

// LoadOptions overlays a YAML config file onto the defaults.
func LoadOptions(path string) (Options, error) {
	o := DefaultOptions()
	buf, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("%w: read config: %v", ErrConfig, err)
	}
	if err := yaml.Unmarshal(buf, &o); err != nil {
		return o, fmt.Errorf("%w: parse config: %v", ErrConfig, err)
	}
	return o, nil
}

// Validate rejects parameter combinations that cannot enter the query
// loop.
func (o Options) Validate() error {
	if o.CacheSizeMB <= 0 {
		return fmt.Errorf("%w: cache size %d MB", ErrConfig, o.CacheSizeMB)
	}
	if o.OptLevel < 0 || o.OptLevel > 3 {
		return fmt.Errorf("%w: opt level %d not in {0,1,2,3}", ErrConfig, o.OptLevel)
	}
	if o.OptLevel >= 3 && (o.VBFBits <= 0 || o.VBFHashes <= 0) {
		return fmt.Errorf("%w: vbf m=%d k=%d", ErrConfig, o.VBFBits, o.VBFHashes)
	}
	if o.WorkloadPath == "" {
		return fmt.Errorf("%w: no workload file", ErrConfig)
	}
	return nil
}

// BackendConfig translates the options for the virtual file backend.
func (o Options) BackendConfig() vfs.Config {
	return vfs.Config{
		CacheBytes: int64(o.CacheSizeMB) * 1024 * 1024,
		Level:      vfs.OptLevel(o.OptLevel),
		VBFBits:    o.VBFBits,
		VBFHashes:  o.VBFHashes,
	}
}
