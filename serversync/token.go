package serversync

import "time"

// AuthPlugin is one entry of the upstream's authentication configuration.
type AuthPlugin struct {
	PlugInID   string `json:"plug_in_id"`
	ServiceURL string `json:"service_url"`
}

// AuthorizationCookie is the plug-in-issued cookie exchanged for an access
// cookie. The data is opaque to this implementation.
type AuthorizationCookie struct {
	PlugInID   string `json:"plug_in_id"`
	CookieData []byte `json:"cookie_data"`
}

// AccessCookie is the encrypted access cookie attached to every
// authenticated protocol call.
type AccessCookie struct {
	Expiration    time.Time `json:"expiration"`
	EncryptedData []byte    `json:"encrypted_data"`
}

// Token bundles everything a session needs to authenticate: the advertised
// plug-in configuration, the authorization cookie from leg two, and the
// access cookie from leg three. Tokens serialize to JSON so they can be
// cached in a store manifest between syncs.
type Token struct {
	AuthInfo     []AuthPlugin         `json:"auth_info"`
	AuthCookie   *AuthorizationCookie `json:"auth_cookie"`
	AccessCookie *AccessCookie        `json:"access_cookie"`
}

// Expired reports whether the access cookie has expired at the given
// instant.
func (t *Token) Expired(at time.Time) bool {
	if t == nil || t.AccessCookie == nil {
		return true
	}
	return t.AccessCookie.Expiration.Before(at)
}
