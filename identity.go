package ussync

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// Identity is the stable identity of a package revision.
//
// UpdateID is shared by every revision of the same logical update; Revision
// increases monotonically as the source publishes new metadata for it.
type Identity struct {
	UpdateID uuid.UUID `json:"update_id"`
	Revision int32     `json:"revision"`
}

// Compare defines the canonical order over identities: UpdateID ascending,
// then Revision descending. With this order the latest revision of an id is
// the first entry with that UpdateID prefix.
func (i Identity) Compare(o Identity) int {
	if c := bytes.Compare(i.UpdateID[:], o.UpdateID[:]); c != 0 {
		return c
	}
	switch {
	case i.Revision > o.Revision:
		return -1
	case i.Revision < o.Revision:
		return 1
	}
	return 0
}

// OpenID is the compact wire handle for an identity.
func (i Identity) OpenID() string {
	return i.UpdateID.String() + "|" + strconv.FormatInt(int64(i.Revision), 10)
}

// String implements fmt.Stringer.
func (i Identity) String() string { return i.OpenID() }

// MarshalText implements encoding.TextMarshaler.
func (i Identity) MarshalText() ([]byte, error) {
	return []byte(i.OpenID()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Identity) UnmarshalText(t []byte) error {
	id, err := ParseOpenID(string(t))
	if err != nil {
		return err
	}
	*i = id
	return nil
}

// ParseOpenID parses the "uuid|revision" form produced by OpenID.
func ParseOpenID(s string) (Identity, error) {
	var id Identity
	sep := bytes.IndexByte([]byte(s), '|')
	if sep == -1 {
		return id, fmt.Errorf("ussync: invalid openId %q", s)
	}
	u, err := uuid.Parse(s[:sep])
	if err != nil {
		return id, fmt.Errorf("ussync: invalid openId %q: %w", s, err)
	}
	rev, err := strconv.ParseInt(s[sep+1:], 10, 32)
	if err != nil {
		return id, fmt.Errorf("ussync: invalid openId %q: %w", s, err)
	}
	id.UpdateID = u
	id.Revision = int32(rev)
	return id, nil
}

// SortIdentities sorts ids into the canonical order.
func SortIdentities(ids []Identity) {
	sort.Slice(ids, func(a, b int) bool { return ids[a].Compare(ids[b]) < 0 })
}
