package serversync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTokenRoundtrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tok := Token{
		AuthInfo: []AuthPlugin{
			{PlugInID: "DssTargeting", ServiceURL: "DssAuthWebService/DssAuthWebService.asmx"},
		},
		AuthCookie: &AuthorizationCookie{
			PlugInID:   "DssTargeting",
			CookieData: []byte("opaque-auth"),
		},
		AccessCookie: &AccessCookie{
			Expiration:    now.Add(4 * time.Hour),
			EncryptedData: []byte("opaque-access"),
		},
	}
	b, err := json.Marshal(&tok)
	if err != nil {
		t.Fatal(err)
	}
	var got Token
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(&got, &tok) {
		t.Error(cmp.Diff(&got, &tok))
	}
	if got.Expired(now) != tok.Expired(now) {
		t.Error("expiry not preserved across serialization")
	}
	if got.Expired(now) {
		t.Error("token should not be expired")
	}
	if !got.Expired(now.Add(5 * time.Hour)) {
		t.Error("token should be expired")
	}
}

func TestTokenExpiredNil(t *testing.T) {
	var tok *Token
	if !tok.Expired(time.Now()) {
		t.Error("nil token should be expired")
	}
	if !(&Token{}).Expired(time.Now()) {
		t.Error("token without access cookie should be expired")
	}
}
