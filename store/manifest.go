package store

import (
	"github.com/quay/ussync/filter"
	"github.com/quay/ussync/serversync"
)

// FormatVersion is the store archive format understood by this package.
const FormatVersion = 1

// Manifest is the archive's self-description. Everything a sync session
// needs to resume — anchors, cached authentication, service configuration,
// the filter the store was built with — lives here so a store directory is
// self-contained.
type Manifest struct {
	FormatVersion int `json:"format_version"`
	// Baseline is the previous archive's filename, relative to the store
	// directory. Empty for a chain root.
	Baseline string `json:"baseline,omitempty"`
	// Sequence is the store's logical clock; it advances on every commit
	// and backs downstream anchors.
	Sequence int64 `json:"sequence"`

	// CategoryAnchor and UpdateAnchor are the last upstream anchors whose
	// results were committed.
	CategoryAnchor string `json:"category_anchor,omitempty"`
	UpdateAnchor   string `json:"update_anchor,omitempty"`

	Filter        *filter.MetadataFilter   `json:"filter,omitempty"`
	ServiceConfig *serversync.ServerConfig `json:"service_config,omitempty"`
	Token         *serversync.Token        `json:"auth_token,omitempty"`
}
