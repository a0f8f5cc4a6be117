package ussync

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the package variants.
type Kind int

// The closed set of package variants. Categories (the first three) are purely
// descriptive and never carry installable content.
const (
	KindUnknown Kind = iota
	KindClassification
	KindProduct
	KindDetectoid
	KindSoftware
	KindDriver
)

func (k Kind) String() string {
	switch k {
	case KindClassification:
		return "classification"
	case KindProduct:
		return "product"
	case KindDetectoid:
		return "detectoid"
	case KindSoftware:
		return "software"
	case KindDriver:
		return "driver"
	}
	return "unknown"
}

// IsCategory reports whether the kind is one of the category variants.
func (k Kind) IsCategory() bool {
	switch k {
	case KindClassification, KindProduct, KindDetectoid:
		return true
	}
	return false
}

// Package is a single revision of update metadata.
//
// The zero value is not useful; Packages are produced by the wsusxml parser
// or read back out of a store. Raw always holds the XML fragment the package
// was parsed from, so stores can persist without re-serializing.
type Package struct {
	ID           Identity  `json:"id"`
	Kind         Kind      `json:"kind"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	CreationDate time.Time `json:"creation_date"`

	Prerequisites []Prerequisite `json:"prerequisites,omitempty"`
	Handler       *Handler       `json:"handler,omitempty"`
	Files         []File         `json:"files,omitempty"`
	Applicability *Applicability `json:"applicability,omitempty"`

	// Software-only fields.
	KBArticle         string      `json:"kb_article,omitempty"`
	SupportURL        string      `json:"support_url,omitempty"`
	OSUpgrade         bool        `json:"os_upgrade,omitempty"`
	BundledUpdates    []Identity  `json:"bundled_updates,omitempty"`
	SupersededUpdates []uuid.UUID `json:"superseded_updates,omitempty"`

	// Driver-only metadata, one block per DriverMetaData element.
	Driver []DriverMetadata `json:"driver,omitempty"`

	// Categories is derived during cross-linking, not parsed.
	Categories []uuid.UUID `json:"categories,omitempty"`

	// Raw is the source XML fragment.
	Raw []byte `json:"-"`
}

// HandlerType names an installation handler.
type HandlerType string

// Handler types recognized by the parser. The set is closed: an update
// advertising any other handler fails the sync rather than being mishandled.
const (
	HandlerCommandLine         HandlerType = "CommandLineInstallation"
	HandlerCbs                 HandlerType = "Cbs"
	HandlerCategory            HandlerType = "Category"
	HandlerWindowsInstallerApp HandlerType = "WindowsInstallerApp"
	HandlerWindowsInstaller    HandlerType = "WindowsInstaller"
	HandlerOSInstaller         HandlerType = "OSInstaller"
	HandlerWindowsPatch        HandlerType = "WindowsPatch"
	HandlerWindowsSetup        HandlerType = "WindowsSetup"
)

// Handler is the installation-handler block of an update.
//
// Raw preserves the HandlerSpecificData sub-tree; the core only discriminates
// on the type and indexes IDs referenced inside, it never evaluates the
// handler data.
type Handler struct {
	Type HandlerType `json:"type"`
	Raw  []byte      `json:"raw,omitempty"`
}

// Applicability holds an update's applicability rules as opaque XML.
//
// Rules are neither evaluated nor normalized; ReferencedIDs collects update
// identities mentioned inside (IsSuperseded checks and the like) so stores
// can index them.
type Applicability struct {
	IsInstalled   []byte      `json:"is_installed,omitempty"`
	IsInstallable []byte      `json:"is_installable,omitempty"`
	Metadata      []byte      `json:"metadata,omitempty"`
	ReferencedIDs []uuid.UUID `json:"referenced_ids,omitempty"`
}

// DriverMetadata is one DriverMetaData block of a driver update.
type DriverMetadata struct {
	HardwareID                      string        `json:"hardware_id"`
	WhqlDriverID                    string        `json:"whql_driver_id,omitempty"`
	Manufacturer                    string        `json:"manufacturer,omitempty"`
	Company                         string        `json:"company,omitempty"`
	Provider                        string        `json:"provider,omitempty"`
	DriverVerDate                   time.Time     `json:"driver_ver_date,omitempty"`
	DriverVerVersion                string        `json:"driver_ver_version,omitempty"`
	Class                           string        `json:"class,omitempty"`
	FeatureScores                   []DriverScore `json:"feature_scores,omitempty"`
	TargetComputerHardwareIDs       []string      `json:"target_computer_hardware_ids,omitempty"`
	DistributionComputerHardwareIDs []uuid.UUID   `json:"distribution_computer_hardware_ids,omitempty"`
}

// DriverScore ranks a driver for an operating system.
type DriverScore struct {
	OperatingSystem string `json:"operating_system,omitempty"`
	Score           uint8  `json:"score"`
}
