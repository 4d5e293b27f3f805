// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package gc

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
)

func TestExtractRefsBareStaysInSameDB(t *testing.T) {
	oid := OIDFromUint64(7)
	var buf []byte
	buf = EncodeRef(buf, "bare", "", oid)

	refs, err := ExtractRefs(buf, "alpha", OIDFromUint64(1), nil)
	require.NoError(t, err)
	require.Equal(t, []Ref{{DB: "alpha", OID: oid}}, refs)
}

func TestExtractRefsMultiDBCrossesDatabases(t *testing.T) {
	oid := OIDFromUint64(9)
	var buf []byte
	buf = EncodeRef(buf, "multi-db", "beta", oid)

	refs, err := ExtractRefs(buf, "alpha", OIDFromUint64(1), nil)
	require.NoError(t, err)
	require.Equal(t, []Ref{{DB: "beta", OID: oid}}, refs)
}

func TestExtractRefsWeakRefsAreDropped(t *testing.T) {
	var buf []byte
	buf = EncodeRef(buf, "weak-single", "", OIDFromUint64(1))
	buf = EncodeRef(buf, "weak-tagged", "", OIDFromUint64(2))
	buf = EncodeRef(buf, "bare", "", OIDFromUint64(3))

	refs, err := ExtractRefs(buf, "alpha", OIDFromUint64(1), nil)
	require.NoError(t, err)
	require.Equal(t, []Ref{{DB: "alpha", OID: OIDFromUint64(3)}}, refs)
}

func TestExtractRefsHonorsIgnoreSet(t *testing.T) {
	var buf []byte
	buf = EncodeRef(buf, "multi-db", "quarantine", OIDFromUint64(5))
	buf = EncodeRef(buf, "multi-db", "beta", OIDFromUint64(6))

	refs, err := ExtractRefs(buf, "alpha", OIDFromUint64(1), map[string]struct{}{"quarantine": {}})
	require.NoError(t, err)
	require.Equal(t, []Ref{{DB: "beta", OID: OIDFromUint64(6)}}, refs)
}

func TestExtractRefsEmptyStreamIsValid(t *testing.T) {
	refs, err := ExtractRefs(nil, "alpha", OIDFromUint64(1), nil)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestExtractRefsTruncatedStreamIsCorrupt(t *testing.T) {
	_, err := ExtractRefs([]byte{tagBare, 0x01, 0x02}, "alpha", OIDFromUint64(1), nil)
	require.Error(t, err)
	var corrupt *CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
}

func TestExtractRefsUnknownTagIsCorrupt(t *testing.T) {
	_, err := ExtractRefs([]byte{0xff}, "alpha", OIDFromUint64(1), nil)
	require.Error(t, err)
}

func TestExtractRefsPreservesEncounterOrder(t *testing.T) {
	var buf []byte
	buf = EncodeRef(buf, "multi-db", "beta", OIDFromUint64(3))
	buf = EncodeRef(buf, "bare", "", OIDFromUint64(2))
	buf = EncodeRef(buf, "multi-db", "gamma", OIDFromUint64(1))

	got, err := ExtractRefs(buf, "alpha", OIDFromUint64(9), nil)
	require.NoError(t, err)

	want := []Ref{
		{DB: "beta", OID: OIDFromUint64(3)},
		{DB: "alpha", OID: OIDFromUint64(2)},
		{DB: "gamma", OID: OIDFromUint64(1)},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("refs out of order: %v\ngot: %s", diff, spew.Sdump(got))
	}
}
