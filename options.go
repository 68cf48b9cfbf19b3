package datatanker

import (
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPageSize is used by CreateNew and OpenOrCreate when Options omits
// PageSize.
const DefaultPageSize = 4096

// OnDiskStructureVersion is bumped whenever the binary page format changes
// incompatibly; Open rejects a storage written by a different version.
const OnDiskStructureVersion = 1

// Options configures a storage at creation time. Most callers only ever
// set PageSize; the rest exist for the same reason the teacher's
// ConcurrencyConfig exposes knobs nobody touches day to day — tuning
// headroom for the operator who eventually needs it.
type Options struct {
	// PageSize is the fixed page size in bytes; must be a power of two and
	// at least 4096. Zero means DefaultPageSize.
	PageSize int

	// CachePages bounds the page store's LRU cache, in pages. Zero means a
	// built-in default.
	CachePages int

	// AutoFlushCron, if non-empty, starts a background FlushScheduler
	// (scheduler.go) that calls Flush on the given cron schedule for the
	// lifetime of the storage. Empty disables it — the default, since
	// flush-on-demand is the engine's documented durability contract
	// (spec §5).
	AutoFlushCron string
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.CachePages == 0 {
		o.CachePages = 256
	}
	return o
}

// configSidecarName is the optional YAML file a caller may drop inside
// the storage directory to override Options without touching code (read
// by OpenExisting only) —
// mirrors the teacher's pattern of layering a file-based config on top of
// programmatic defaults.
const configSidecarName = "datatanker.yaml"

// loadOptionsOverlay reads path's configSidecarName, if present, and
// overlays any fields it sets onto opts. A missing sidecar is not an
// error.
func loadOptionsOverlay(path string, opts Options) (Options, error) {
	data, err := os.ReadFile(path + string(os.PathSeparator) + configSidecarName)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return opts, wrapIOError(err, "read config sidecar")
	}
	var overlay struct {
		PageSize      int    `yaml:"pageSize"`
		CachePages    int    `yaml:"cachePages"`
		AutoFlushCron string `yaml:"autoFlushCron"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return opts, wrapStorageFormatError(err, "parse config sidecar")
	}
	if overlay.PageSize != 0 {
		opts.PageSize = overlay.PageSize
	}
	if overlay.CachePages != 0 {
		opts.CachePages = overlay.CachePages
	}
	if overlay.AutoFlushCron != "" {
		opts.AutoFlushCron = overlay.AutoFlushCron
	}
	return opts, nil
}
