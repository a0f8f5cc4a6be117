package serversync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/ussync"
)

// RefreshWindow is how close to expiry a cached access cookie may be before
// it gets refreshed instead of reused.
const RefreshWindow = 30 * time.Minute

// Authenticator drives the three-leg token flow.
type Authenticator struct {
	Client *Client
	// Now is the clock, overridable for tests. Nil means time.Now.
	Now func() time.Time
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Authenticate returns a live token.
//
// A nil cached token triggers the full flow. A cached token with more than
// RefreshWindow of validity left is returned unchanged. Otherwise only the
// access-cookie leg is re-run; if the upstream rejects the cached
// authorization cookie, the flow restarts from the top once. A failure of
// that restart reports ussync.ErrAuthExpired.
func (a *Authenticator) Authenticate(ctx context.Context, cached *Token) (*Token, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "serversync/Authenticator.Authenticate")
	if cached == nil || cached.AuthCookie == nil {
		zlog.Info(ctx).Msg("no cached token, starting full authentication")
		return a.full(ctx)
	}
	if !cached.Expired(a.now().Add(RefreshWindow)) {
		return cached, nil
	}
	zlog.Info(ctx).Msg("access cookie near expiry, refreshing")
	cookie, err := a.Client.GetCookie(ctx, []AuthorizationCookie{*cached.AuthCookie}, cached.AccessCookie)
	switch {
	case err == nil:
		return &Token{
			AuthInfo:     cached.AuthInfo,
			AuthCookie:   cached.AuthCookie,
			AccessCookie: cookie,
		}, nil
	case errors.Is(err, ussync.ErrInvalidAuthorizationCookie):
		zlog.Info(ctx).Msg("authorization cookie rejected, restarting authentication")
		tok, err := a.full(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: restart failed: %w", ussync.ErrAuthExpired, err)
		}
		return tok, nil
	}
	return nil, err
}

func (a *Authenticator) full(ctx context.Context) (*Token, error) {
	plugins, err := a.Client.GetAuthConfig(ctx)
	if err != nil {
		return nil, err
	}
	if len(plugins) == 0 {
		return nil, fmt.Errorf("serversync: upstream advertised no authentication plug-ins")
	}
	// Anonymous access: the upstream accepts any freshly generated account.
	accountGUID := uuid.NewString()
	accountName := uuid.NewString()
	auth, err := a.Client.GetAuthorizationCookie(ctx, plugins[0], accountGUID, accountName)
	if err != nil {
		return nil, err
	}
	cookie, err := a.Client.GetCookie(ctx, []AuthorizationCookie{*auth}, nil)
	if err != nil {
		return nil, err
	}
	return &Token{
		AuthInfo:     plugins,
		AuthCookie:   auth,
		AccessCookie: cookie,
	}, nil
}
