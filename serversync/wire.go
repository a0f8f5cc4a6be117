package serversync

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quay/ussync"
)

// Wire shapes. Request structs carry their own namespaced XMLName so the
// SOAP layer can drop them straight into an envelope body; response structs
// name the response element.

const wireTime = "2006-01-02T15:04:05.999Z07:00"

type wireCookie struct {
	Expiration    string `xml:"Expiration"`
	EncryptedData string `xml:"EncryptedData"`
}

func cookieToWire(c *AccessCookie) *wireCookie {
	if c == nil {
		return nil
	}
	return &wireCookie{
		Expiration:    c.Expiration.UTC().Format(wireTime),
		EncryptedData: base64.StdEncoding.EncodeToString(c.EncryptedData),
	}
}

func (w *wireCookie) into() (*AccessCookie, error) {
	exp, err := time.Parse(wireTime, w.Expiration)
	if err != nil {
		// Some servers omit fractional seconds and the zone.
		exp, err = time.Parse("2006-01-02T15:04:05", w.Expiration)
		if err != nil {
			return nil, fmt.Errorf("serversync: bad cookie expiration %q: %w", w.Expiration, err)
		}
	}
	data, err := base64.StdEncoding.DecodeString(w.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("serversync: bad cookie data: %w", err)
	}
	return &AccessCookie{Expiration: exp.UTC(), EncryptedData: data}, nil
}

type wireIdentity struct {
	UpdateID       string `xml:"UpdateID"`
	RevisionNumber int32  `xml:"RevisionNumber"`
}

func identityToWire(id ussync.Identity) wireIdentity {
	return wireIdentity{UpdateID: id.UpdateID.String(), RevisionNumber: id.Revision}
}

func (w *wireIdentity) into() (ussync.Identity, error) {
	u, err := uuid.Parse(w.UpdateID)
	if err != nil {
		return ussync.Identity{}, fmt.Errorf("serversync: bad UpdateID %q: %w", w.UpdateID, err)
	}
	return ussync.Identity{UpdateID: u, Revision: w.RevisionNumber}, nil
}

// GetAuthConfig (no arguments).

type getAuthConfigRequest struct {
	XMLName xml.Name `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetAuthConfig"`
}

type getAuthConfigResponse struct {
	XMLName xml.Name `xml:"GetAuthConfigResponse"`
	Result  struct {
		AuthInfo []struct {
			PlugInID   string `xml:"PlugInID"`
			ServiceURL string `xml:"ServiceUrl"`
		} `xml:"AuthInfo>AuthPlugInInfo"`
	} `xml:"GetAuthConfigResult"`
}

// GetAuthorizationCookie (DSS endpoint).

type getAuthorizationCookieRequest struct {
	XMLName     xml.Name `xml:"http://www.microsoft.com/SoftwareDistribution/Server/DssAuthWebService GetAuthorizationCookie"`
	ClientID    string   `xml:"clientId"`
	AccountGUID string   `xml:"accountGuid"`
	AccountName string   `xml:"accountName"`
}

type getAuthorizationCookieResponse struct {
	XMLName xml.Name `xml:"GetAuthorizationCookieResponse"`
	Result  struct {
		PlugInID   string `xml:"PlugInId"`
		CookieData string `xml:"CookieData"`
	} `xml:"GetAuthorizationCookieResult"`
}

// GetCookie.

type getCookieRequest struct {
	XMLName         xml.Name         `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetCookie"`
	AuthCookies     []wireAuthCookie `xml:"authCookies>AuthorizationCookie"`
	OldCookie       *wireCookie      `xml:"oldCookie"`
	ProtocolVersion string           `xml:"protocolVersion"`
}

type wireAuthCookie struct {
	PlugInID   string `xml:"PlugInId"`
	CookieData string `xml:"CookieData"`
}

type getCookieResponse struct {
	XMLName xml.Name   `xml:"GetCookieResponse"`
	Result  wireCookie `xml:"GetCookieResult"`
}

// GetConfigData.

type getConfigDataRequest struct {
	XMLName      xml.Name    `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetConfigData"`
	Cookie       *wireCookie `xml:"cookie"`
	ConfigAnchor string      `xml:"configAnchor,omitempty"`
}

type getConfigDataResponse struct {
	XMLName xml.Name `xml:"GetConfigDataResponse"`
	Result  struct {
		ProtocolVersion                string `xml:"ProtocolVersion"`
		CatalogOnlySync                bool   `xml:"CatalogOnlySync"`
		LazySync                       bool   `xml:"LazySync"`
		MaxNumberOfUpdatesPerRequest   int    `xml:"MaxNumberOfUpdatesPerRequest"`
		MaxNumberOfLanguagesPerRequest int    `xml:"MaxNumberOfLanguagesPerRequest"`
		MURedirectServerURL            string `xml:"MURedirectServerUrl"`
		ContentRoot                    string `xml:"ContentRoot"`
		NewConfigAnchor                string `xml:"NewConfigAnchor"`
	} `xml:"GetConfigDataResult"`
}

// ServerConfig is the cached service configuration. It is snapshotted into
// store manifests and echoed to downstream peers.
type ServerConfig struct {
	ProtocolVersion                string `json:"protocol_version"`
	CatalogOnlySync                bool   `json:"catalog_only_sync"`
	LazySync                       bool   `json:"lazy_sync"`
	MaxNumberOfUpdatesPerRequest   int    `json:"max_number_of_updates_per_request"`
	MaxNumberOfLanguagesPerRequest int    `json:"max_number_of_languages_per_request"`
	MURedirectServerURL            string `json:"mu_redirect_server_url,omitempty"`
	ContentRoot                    string `json:"content_root,omitempty"`
	ConfigAnchor                   string `json:"config_anchor,omitempty"`
}

// GetRevisionIdList.

// SourceFilter selects which updates a sync asks for. The upstream expects
// the (product × classification) cross product and does not expand child
// products; every leaf product needs its own entry.
type SourceFilter struct {
	ProductIDs        []uuid.UUID `json:"product_ids,omitempty"`
	ClassificationIDs []uuid.UUID `json:"classification_ids,omitempty"`
}

// Empty reports whether the filter selects categories rather than updates.
func (f *SourceFilter) Empty() bool {
	return f == nil || (len(f.ProductIDs) == 0 && len(f.ClassificationIDs) == 0)
}

type wireIDList struct {
	ID []string `xml:"Id"`
}

type getRevisionIdListRequest struct {
	XMLName xml.Name    `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetRevisionIdList"`
	Cookie  *wireCookie `xml:"cookie"`
	Filter  struct {
		Anchor          string      `xml:"Anchor,omitempty"`
		Categories      *wireIDList `xml:"Categories"`
		Classifications *wireIDList `xml:"Classifications"`
	} `xml:"filter"`
}

type getRevisionIdListResponse struct {
	XMLName xml.Name `xml:"GetRevisionIdListResponse"`
	Result  struct {
		Anchor       string         `xml:"Anchor"`
		NewRevisions []wireIdentity `xml:"NewRevisions>UpdateIdentity"`
	} `xml:"GetRevisionIdListResult"`
}

// GetUpdateData.

type getUpdateDataRequest struct {
	XMLName   xml.Name       `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetUpdateData"`
	Cookie    *wireCookie    `xml:"cookie"`
	UpdateIDs []wireIdentity `xml:"updateIds>UpdateIdentity"`
}

type getUpdateDataResponse struct {
	XMLName xml.Name `xml:"GetUpdateDataResponse"`
	Result  struct {
		Updates []wireUpdateData `xml:"updates>ServerSyncUpdateData"`
	} `xml:"GetUpdateDataResult"`
}

type wireUpdateData struct {
	ID            wireIdentity `xml:"Id"`
	XMLUpdateBlob string       `xml:"XmlUpdateBlob"`
}

// UpdateData is one update's raw metadata as returned by the upstream.
type UpdateData struct {
	ID  ussync.Identity
	XML []byte
}

// GetExtendedUpdateInfo.

type getExtendedUpdateInfoRequest struct {
	XMLName   xml.Name       `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetExtendedUpdateInfo"`
	Cookie    *wireCookie    `xml:"cookie"`
	UpdateIDs []wireIdentity `xml:"revisionIds>UpdateIdentity"`
}

type getExtendedUpdateInfoResponse struct {
	XMLName xml.Name `xml:"GetExtendedUpdateInfoResponse"`
	Result  struct {
		Updates       []wireUpdateData   `xml:"Updates>Update"`
		FileLocations []wireFileLocation `xml:"FileLocations>FileLocation"`
	} `xml:"GetExtendedUpdateInfoResult"`
}

type wireFileLocation struct {
	FileDigest string `xml:"FileDigest"`
	URL        string `xml:"Url"`
}

// FileLocation is a signed content URL for the file identified by its
// primary digest.
type FileLocation struct {
	Digest ussync.Digest
	URL    string
}

// ExtendedUpdateInfo is the result of a GetExtendedUpdateInfo batch.
type ExtendedUpdateInfo struct {
	Updates       []UpdateData
	FileLocations []FileLocation
}
