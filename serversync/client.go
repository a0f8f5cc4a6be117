package serversync

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/quay/zlog"

	"github.com/quay/ussync"
)

// GetAuthConfig fetches the upstream's list of authentication plug-ins.
func (c *Client) GetAuthConfig(ctx context.Context) ([]AuthPlugin, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/Client.GetAuthConfig")
	var resp getAuthConfigResponse
	err := c.soapClient(c.endpoint).Call(ctx, action(nsServerSync, "GetAuthConfig"), &getAuthConfigRequest{}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]AuthPlugin, 0, len(resp.Result.AuthInfo))
	for _, p := range resp.Result.AuthInfo {
		out = append(out, AuthPlugin{PlugInID: p.PlugInID, ServiceURL: p.ServiceURL})
	}
	zlog.Debug(ctx).Int("plugins", len(out)).Msg("got auth config")
	return out, nil
}

// GetAuthorizationCookie calls the named plug-in's DSS endpoint. The account
// identifiers are anonymous; the upstream accepts any.
func (c *Client) GetAuthorizationCookie(ctx context.Context, plugin AuthPlugin, accountGUID, accountName string) (*AuthorizationCookie, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/Client.GetAuthorizationCookie")
	u, err := c.resolve(plugin.ServiceURL)
	if err != nil {
		return nil, fmt.Errorf("serversync: bad plug-in service URL %q: %w", plugin.ServiceURL, err)
	}
	req := getAuthorizationCookieRequest{
		ClientID:    accountName,
		AccountGUID: accountGUID,
		AccountName: accountName,
	}
	var resp getAuthorizationCookieResponse
	if err := c.soapClient(u).Call(ctx, action(nsDSSAuth, "GetAuthorizationCookie"), &req, &resp); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Result.CookieData)
	if err != nil {
		return nil, fmt.Errorf("serversync: bad authorization cookie data: %w", err)
	}
	return &AuthorizationCookie{PlugInID: resp.Result.PlugInID, CookieData: data}, nil
}

// GetCookie exchanges authorization cookies for an access cookie. The old
// cookie, when present, lets the upstream carry state across refreshes.
func (c *Client) GetCookie(ctx context.Context, auth []AuthorizationCookie, old *AccessCookie) (*AccessCookie, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/Client.GetCookie")
	req := getCookieRequest{
		OldCookie:       cookieToWire(old),
		ProtocolVersion: ProtocolVersion,
	}
	for _, a := range auth {
		req.AuthCookies = append(req.AuthCookies, wireAuthCookie{
			PlugInID:   a.PlugInID,
			CookieData: base64.StdEncoding.EncodeToString(a.CookieData),
		})
	}
	var resp getCookieResponse
	if err := c.soapClient(c.endpoint).Call(ctx, action(nsServerSync, "GetCookie"), &req, &resp); err != nil {
		return nil, err
	}
	cookie, err := resp.Result.into()
	if err != nil {
		return nil, err
	}
	zlog.Debug(ctx).Time("expiration", cookie.Expiration).Msg("got access cookie")
	return cookie, nil
}

// GetConfigData fetches the upstream service configuration.
func (c *Client) GetConfigData(ctx context.Context, cookie *AccessCookie, anchor string) (*ServerConfig, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/Client.GetConfigData")
	req := getConfigDataRequest{
		Cookie:       cookieToWire(cookie),
		ConfigAnchor: anchor,
	}
	var resp getConfigDataResponse
	if err := c.soapClient(c.endpoint).Call(ctx, action(nsServerSync, "GetConfigData"), &req, &resp); err != nil {
		return nil, err
	}
	r := &resp.Result
	cfg := ServerConfig{
		ProtocolVersion:                r.ProtocolVersion,
		CatalogOnlySync:                r.CatalogOnlySync,
		LazySync:                       r.LazySync,
		MaxNumberOfUpdatesPerRequest:   r.MaxNumberOfUpdatesPerRequest,
		MaxNumberOfLanguagesPerRequest: r.MaxNumberOfLanguagesPerRequest,
		MURedirectServerURL:            r.MURedirectServerURL,
		ContentRoot:                    r.ContentRoot,
		ConfigAnchor:                   r.NewConfigAnchor,
	}
	return &cfg, nil
}

// GetRevisionIdList enumerates identities changed since the anchor. An empty
// filter enumerates categories.
func (c *Client) GetRevisionIdList(ctx context.Context, cookie *AccessCookie, filter *SourceFilter, anchor string) ([]ussync.Identity, string, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/Client.GetRevisionIdList")
	req := getRevisionIdListRequest{Cookie: cookieToWire(cookie)}
	req.Filter.Anchor = anchor
	if !filter.Empty() {
		req.Filter.Categories = &wireIDList{}
		for _, id := range filter.ProductIDs {
			req.Filter.Categories.ID = append(req.Filter.Categories.ID, id.String())
		}
		req.Filter.Classifications = &wireIDList{}
		for _, id := range filter.ClassificationIDs {
			req.Filter.Classifications.ID = append(req.Filter.Classifications.ID, id.String())
		}
	}
	var resp getRevisionIdListResponse
	if err := c.soapClient(c.endpoint).Call(ctx, action(nsServerSync, "GetRevisionIdList"), &req, &resp); err != nil {
		return nil, "", err
	}
	ids := make([]ussync.Identity, 0, len(resp.Result.NewRevisions))
	for i := range resp.Result.NewRevisions {
		id, err := resp.Result.NewRevisions[i].into()
		if err != nil {
			return nil, "", err
		}
		ids = append(ids, id)
	}
	zlog.Debug(ctx).Int("revisions", len(ids)).Msg("got revision id list")
	return ids, resp.Result.Anchor, nil
}

// GetUpdateData fetches raw metadata for a batch of identities. Callers are
// responsible for honoring the server-advertised batch limit.
func (c *Client) GetUpdateData(ctx context.Context, cookie *AccessCookie, ids []ussync.Identity) ([]UpdateData, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/Client.GetUpdateData")
	req := getUpdateDataRequest{Cookie: cookieToWire(cookie)}
	for _, id := range ids {
		req.UpdateIDs = append(req.UpdateIDs, identityToWire(id))
	}
	var resp getUpdateDataResponse
	if err := c.soapClient(c.endpoint).Call(ctx, action(nsServerSync, "GetUpdateData"), &req, &resp); err != nil {
		return nil, err
	}
	out := make([]UpdateData, 0, len(resp.Result.Updates))
	for i := range resp.Result.Updates {
		w := &resp.Result.Updates[i]
		id, err := w.ID.into()
		if err != nil {
			return nil, err
		}
		out = append(out, UpdateData{ID: id, XML: []byte(w.XMLUpdateBlob)})
	}
	return out, nil
}

// GetExtendedUpdateInfo fetches extended metadata and signed content URLs
// for a batch of identities.
func (c *Client) GetExtendedUpdateInfo(ctx context.Context, cookie *AccessCookie, ids []ussync.Identity) (*ExtendedUpdateInfo, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/Client.GetExtendedUpdateInfo")
	req := getExtendedUpdateInfoRequest{Cookie: cookieToWire(cookie)}
	for _, id := range ids {
		req.UpdateIDs = append(req.UpdateIDs, identityToWire(id))
	}
	var resp getExtendedUpdateInfoResponse
	if err := c.soapClient(c.endpoint).Call(ctx, action(nsServerSync, "GetExtendedUpdateInfo"), &req, &resp); err != nil {
		return nil, err
	}
	info := ExtendedUpdateInfo{}
	for i := range resp.Result.Updates {
		w := &resp.Result.Updates[i]
		id, err := w.ID.into()
		if err != nil {
			return nil, err
		}
		info.Updates = append(info.Updates, UpdateData{ID: id, XML: []byte(w.XMLUpdateBlob)})
	}
	for _, l := range resp.Result.FileLocations {
		d, err := ussync.NewDigestFromWire("sha1", l.FileDigest)
		if err != nil {
			// SHA-256 keyed locations appear alongside SHA-1 ones.
			d, err = ussync.NewDigestFromWire("sha256", l.FileDigest)
			if err != nil {
				return nil, fmt.Errorf("serversync: bad file location digest: %w", err)
			}
		}
		info.FileLocations = append(info.FileLocations, FileLocation{Digest: d, URL: l.URL})
	}
	return &info, nil
}
