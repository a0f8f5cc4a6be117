package test

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/quay/ussync"
)

// Upstream is an in-process fake of the server-sync upstream, good enough
// for exercising the authentication flow and the anchored batch loop
// without network access.
//
// Identities registered via AddCategory/AddUpdate are served in registration
// order; the anchor is the integer offset into that order, so a re-sync with
// the returned anchor sees only later registrations.
type Upstream struct {
	mu sync.Mutex

	categories []ussync.Identity
	updates    []ussync.Identity
	fragments  map[ussync.Identity]string
	locations  map[string]string

	// MaxBatch is the advertised MaxNumberOfUpdatesPerRequest.
	MaxBatch int
	// CookieLifetime bounds issued access cookies.
	CookieLifetime time.Duration
	// RejectAuthCookieOnce makes the next GetCookie call fail with the
	// InvalidAuthorizationCookie signal.
	RejectAuthCookieOnce bool
	// RejectAuthCookie makes every GetCookie call fail that way, for
	// exercising the path where re-authentication cannot recover.
	RejectAuthCookie bool
	// RejectAccessCookie makes every post-authentication call fail with
	// the InvalidAuthorizationCookie signal while the auth legs keep
	// succeeding.
	RejectAccessCookie bool
	// FailNext makes the next call return a plain server fault, for
	// exercising retry paths.
	FailNext int

	Calls map[string]int

	srv *httptest.Server
}

// NewUpstream starts the fake server. Callers own Close.
func NewUpstream() *Upstream {
	u := Upstream{
		fragments:      make(map[ussync.Identity]string),
		locations:      make(map[string]string),
		MaxBatch:       50,
		CookieLifetime: 4 * time.Hour,
		Calls:          make(map[string]int),
	}
	u.srv = httptest.NewServer(http.HandlerFunc(u.handle))
	return &u
}

func (u *Upstream) Close() { u.srv.Close() }

// URL is the sync endpoint URL.
func (u *Upstream) URL() string { return u.srv.URL + "/ServerSyncWebService.asmx" }

// Client is the fake's HTTP client.
func (u *Upstream) Client() *http.Client { return u.srv.Client() }

// AddCategory registers a category fragment.
func (u *Upstream) AddCategory(id ussync.Identity, fragment string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.categories = append(u.categories, id)
	u.fragments[id] = fragment
}

// AddUpdate registers an update fragment.
func (u *Upstream) AddUpdate(id ussync.Identity, fragment string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, id)
	u.fragments[id] = fragment
}

// AddFileLocation registers a content URL for a digest.
func (u *Upstream) AddFileLocation(d ussync.Digest, url string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.locations[d.WireBase64()] = url
}

func (u *Upstream) handle(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(r.Header.Get("SOAPAction"), `"`)
	op := action[strings.LastIndexByte(action, '/')+1:]
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	u.Calls[op]++
	if u.FailNext > 0 && op != "GetAuthConfig" {
		u.FailNext--
		u.mu.Unlock()
		writeFault(w, "soap:Server", "InternalServerError", "transient")
		return
	}
	if u.RejectAccessCookie {
		switch op {
		case "GetAuthConfig", "GetAuthorizationCookie", "GetCookie":
		default:
			u.mu.Unlock()
			writeFault(w, "soap:Client", "InvalidAuthorizationCookie", "access cookie rejected")
			return
		}
	}
	u.mu.Unlock()

	switch op {
	case "GetAuthConfig":
		u.writeResult(w, "GetAuthConfig", fmt.Sprintf(
			`<AuthInfo><AuthPlugInInfo><PlugInID>DssTargeting</PlugInID><ServiceUrl>%s</ServiceUrl></AuthPlugInInfo></AuthInfo>`,
			u.srv.URL+"/DssAuthWebService.asmx"))
	case "GetAuthorizationCookie":
		u.writeResult(w, "GetAuthorizationCookie",
			`<PlugInId>DssTargeting</PlugInId><CookieData>`+
				base64.StdEncoding.EncodeToString([]byte("authorization"))+`</CookieData>`)
	case "GetCookie":
		u.mu.Lock()
		reject := u.RejectAuthCookieOnce || u.RejectAuthCookie
		u.RejectAuthCookieOnce = false
		lifetime := u.CookieLifetime
		u.mu.Unlock()
		if reject {
			writeFault(w, "soap:Client", "InvalidAuthorizationCookie", "cookie rejected")
			return
		}
		exp := time.Now().Add(lifetime).UTC().Format("2006-01-02T15:04:05.999Z07:00")
		u.writeResult(w, "GetCookie",
			`<Expiration>`+exp+`</Expiration><EncryptedData>`+
				base64.StdEncoding.EncodeToString([]byte("access"))+`</EncryptedData>`)
	case "GetConfigData":
		u.mu.Lock()
		max := u.MaxBatch
		u.mu.Unlock()
		u.writeResult(w, "GetConfigData", fmt.Sprintf(
			`<ProtocolVersion>1.7</ProtocolVersion><CatalogOnlySync>false</CatalogOnlySync>`+
				`<LazySync>false</LazySync><MaxNumberOfUpdatesPerRequest>%d</MaxNumberOfUpdatesPerRequest>`+
				`<MaxNumberOfLanguagesPerRequest>10</MaxNumberOfLanguagesPerRequest>`+
				`<NewConfigAnchor>cfg-1</NewConfigAnchor>`, max))
	case "GetRevisionIdList":
		u.handleRevisionIDList(w, body)
	case "GetUpdateData":
		u.handleUpdateData(w, body)
	case "GetExtendedUpdateInfo":
		u.handleExtendedInfo(w, body)
	default:
		http.Error(w, "unknown action "+action, http.StatusBadRequest)
	}
}

type reqEnvelope struct {
	Body struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

func (u *Upstream) handleRevisionIDList(w http.ResponseWriter, body []byte) {
	var env reqEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		Filter struct {
			Anchor     string `xml:"Anchor"`
			Categories struct {
				ID []string `xml:"Id"`
			} `xml:"Categories"`
		} `xml:"filter"`
	}
	if err := xml.Unmarshal(env.Body.Inner, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	u.mu.Lock()
	src := u.categories
	if len(req.Filter.Categories.ID) > 0 {
		src = u.updates
	}
	offset := 0
	fmt.Sscanf(req.Filter.Anchor, "anchor-%d", &offset)
	var sb strings.Builder
	for _, id := range src[min(offset, len(src)):] {
		fmt.Fprintf(&sb, `<UpdateIdentity><UpdateID>%s</UpdateID><RevisionNumber>%d</RevisionNumber></UpdateIdentity>`,
			id.UpdateID, id.Revision)
	}
	anchor := fmt.Sprintf("anchor-%d", len(src))
	u.mu.Unlock()

	u.writeResult(w, "GetRevisionIdList",
		`<Anchor>`+anchor+`</Anchor><NewRevisions>`+sb.String()+`</NewRevisions>`)
}

func decodeIdentityRequest(body []byte, list string) ([]ussync.Identity, error) {
	var env reqEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	var req struct {
		Updates []struct {
			UpdateID       string `xml:"UpdateID"`
			RevisionNumber int32  `xml:"RevisionNumber"`
		} `xml:"updateIds>UpdateIdentity"`
		Revisions []struct {
			UpdateID       string `xml:"UpdateID"`
			RevisionNumber int32  `xml:"RevisionNumber"`
		} `xml:"revisionIds>UpdateIdentity"`
	}
	if err := xml.Unmarshal(env.Body.Inner, &req); err != nil {
		return nil, err
	}
	raw := req.Updates
	if list == "revisionIds" {
		raw = req.Revisions
	}
	var out []ussync.Identity
	for _, e := range raw {
		id, err := ussync.ParseOpenID(e.UpdateID + "|" + fmt.Sprint(e.RevisionNumber))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (u *Upstream) handleUpdateData(w http.ResponseWriter, body []byte) {
	ids, err := decodeIdentityRequest(body, "updateIds")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	if len(ids) > u.MaxBatch {
		u.mu.Unlock()
		writeFault(w, "soap:Client", "TooManyUpdates", "batch exceeds advertised maximum")
		return
	}
	var sb strings.Builder
	for _, id := range ids {
		frag, ok := u.fragments[id]
		if !ok {
			u.mu.Unlock()
			writeFault(w, "soap:Client", "InvalidParameters", "unknown identity "+id.OpenID())
			return
		}
		var esc strings.Builder
		xml.EscapeText(&esc, []byte(frag))
		fmt.Fprintf(&sb, `<ServerSyncUpdateData><Id><UpdateID>%s</UpdateID><RevisionNumber>%d</RevisionNumber></Id><XmlUpdateBlob>%s</XmlUpdateBlob></ServerSyncUpdateData>`,
			id.UpdateID, id.Revision, esc.String())
	}
	u.mu.Unlock()
	u.writeResult(w, "GetUpdateData", `<updates>`+sb.String()+`</updates>`)
}

func (u *Upstream) handleExtendedInfo(w http.ResponseWriter, body []byte) {
	ids, err := decodeIdentityRequest(body, "revisionIds")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	var ub, fb strings.Builder
	for _, id := range ids {
		if frag, ok := u.fragments[id]; ok {
			var esc strings.Builder
			xml.EscapeText(&esc, []byte(frag))
			fmt.Fprintf(&ub, `<Update><Id><UpdateID>%s</UpdateID><RevisionNumber>%d</RevisionNumber></Id><XmlUpdateBlob>%s</XmlUpdateBlob></Update>`,
				id.UpdateID, id.Revision, esc.String())
		}
	}
	for digest, url := range u.locations {
		fmt.Fprintf(&fb, `<FileLocation><FileDigest>%s</FileDigest><Url>%s</Url></FileLocation>`, digest, url)
	}
	u.mu.Unlock()
	u.writeResult(w, "GetExtendedUpdateInfo",
		`<Updates>`+ub.String()+`</Updates><FileLocations>`+fb.String()+`</FileLocations>`)
}

func (u *Upstream) writeResult(w http.ResponseWriter, op, inner string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprintf(w, `<?xml version="1.0"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
<soap:Body><%[1]sResponse xmlns="http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService">
<%[1]sResult>%[2]s</%[1]sResult>
</%[1]sResponse></soap:Body></soap:Envelope>`, op, inner)
}

func writeFault(w http.ResponseWriter, code, errorCode, msg string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `<?xml version="1.0"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
<soap:Body><soap:Fault><faultcode>%s</faultcode><faultstring>Fault occurred</faultstring>
<detail><ErrorCode>%s</ErrorCode><Message>%s</Message></detail></soap:Fault></soap:Body></soap:Envelope>`,
		code, errorCode, msg)
}
