package libsync

import (
	"fmt"
	"os"
	"strconv"

	"github.com/quay/ussync/filter"
	"github.com/quay/ussync/serversync"
)

// HostConfig is the flat string-map configuration surface an embedding host
// hands to the sync machinery. ParseOptions validates and decodes it.
type HostConfig struct {
	// Endpoint is the upstream sync endpoint; empty means the Microsoft
	// upstream.
	Endpoint string
	// MetadataPath is the metadata store directory.
	MetadataPath string
	// ContentPath is the content store directory.
	ContentPath string
	// UpdatesFilter narrows what a sync keeps and what downstream serving
	// exposes.
	UpdatesFilter *filter.MetadataFilter
	// SourceFilter is the explicit (product, classification) selection sent
	// upstream.
	SourceFilter *serversync.SourceFilter
	// ServiceConfig overrides the configuration echoed to downstream peers.
	ServiceConfig *serversync.ServerConfig
	// ContentHTTPRoot is the URL root downstream content links point at.
	ContentHTTPRoot string
	// Workers overrides the parse concurrency.
	Workers int
}

// ParseOptions decodes the host's flat option map. Unknown keys are
// rejected so typos surface instead of silently using defaults.
//
// Recognized keys: endpoint, metadata-path, content-path, updates-filter
// (JSON), source-filter (JSON), service-config-json, service-config-path,
// content-http-root, workers.
func ParseOptions(opts map[string]string) (*HostConfig, error) {
	var cfg HostConfig
	for k, v := range opts {
		switch k {
		case "endpoint":
			cfg.Endpoint = v
		case "metadata-path":
			cfg.MetadataPath = v
		case "content-path":
			cfg.ContentPath = v
		case "updates-filter":
			f, err := filter.FromJSON([]byte(v))
			if err != nil {
				return nil, fmt.Errorf("libsync: option %q: %w", k, err)
			}
			cfg.UpdatesFilter = f
		case "source-filter":
			var sf serversync.SourceFilter
			if err := unmarshalStrict([]byte(v), &sf); err != nil {
				return nil, fmt.Errorf("libsync: option %q: %w", k, err)
			}
			cfg.SourceFilter = &sf
		case "service-config-json":
			var sc serversync.ServerConfig
			if err := unmarshalStrict([]byte(v), &sc); err != nil {
				return nil, fmt.Errorf("libsync: option %q: %w", k, err)
			}
			cfg.ServiceConfig = &sc
		case "service-config-path":
			b, err := os.ReadFile(v)
			if err != nil {
				return nil, fmt.Errorf("libsync: option %q: %w", k, err)
			}
			var sc serversync.ServerConfig
			if err := unmarshalStrict(b, &sc); err != nil {
				return nil, fmt.Errorf("libsync: option %q: %w", k, err)
			}
			cfg.ServiceConfig = &sc
		case "content-http-root":
			cfg.ContentHTTPRoot = v
		case "workers":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("libsync: option %q: bad worker count %q", k, v)
			}
			cfg.Workers = n
		default:
			return nil, fmt.Errorf("libsync: unknown option %q", k)
		}
	}
	return &cfg, nil
}
