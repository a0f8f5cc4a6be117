package ussync

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestOpenIDRoundtrip(t *testing.T) {
	tt := []Identity{
		{UpdateID: uuid.MustParse("25bb4d08-7ee3-4a85-b019-6630b5e1e9ba"), Revision: 104},
		{UpdateID: uuid.Nil, Revision: 0},
		{UpdateID: uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff"), Revision: 2147483647},
	}
	for _, want := range tt {
		got, err := ParseOpenID(want.OpenID())
		if err != nil {
			t.Fatal(err)
		}
		if !cmp.Equal(got, want) {
			t.Error(cmp.Diff(got, want))
		}
	}
}

func TestParseOpenIDMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"25bb4d08-7ee3-4a85-b019-6630b5e1e9ba",
		"not-a-uuid|3",
		"25bb4d08-7ee3-4a85-b019-6630b5e1e9ba|",
		"25bb4d08-7ee3-4a85-b019-6630b5e1e9ba|x",
	} {
		if _, err := ParseOpenID(in); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}

func TestIdentityOrder(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	ids := []Identity{
		{UpdateID: b, Revision: 1},
		{UpdateID: a, Revision: 1},
		{UpdateID: a, Revision: 3},
		{UpdateID: a, Revision: 2},
	}
	SortIdentities(ids)
	want := []Identity{
		{UpdateID: a, Revision: 3},
		{UpdateID: a, Revision: 2},
		{UpdateID: a, Revision: 1},
		{UpdateID: b, Revision: 1},
	}
	if !cmp.Equal(ids, want) {
		t.Error(cmp.Diff(ids, want))
	}
}
