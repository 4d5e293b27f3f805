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

package gc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/multidbgc/gc"
	"github.com/erigontech/multidbgc/gc/memstorage"
)

// selfRef encodes a harmless bare self-reference, used to give a record
// non-empty (alive) data when a test doesn't care about its outgoing refs:
// empty data means a tombstone, so "alive but refless" still needs a valid
// encoded entry.
func selfRef(oid gc.OID) []byte {
	return gc.EncodeRef(nil, "bare", "", oid)
}

func runMarker(t *testing.T, fed gc.Federation, cutoff gc.TID, ignore map[string]struct{}) *gc.Marker {
	t.Helper()
	m, err := gc.NewMarker(gc.MarkConfig{
		Federation: fed,
		Cutoff:     cutoff,
		Ignore:     ignore,
		ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))
	return m
}

func TestMarkerFlagsUnreferencedOldOidAsBad(t *testing.T) {
	alpha := memstorage.New("alpha", false)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: selfRef(gc.RootOID)})
	oid10 := gc.OIDFromUint64(10)
	alpha.Commit(map[gc.OID][]byte{oid10: selfRef(oid10)})

	fed := gc.Federation{"alpha": alpha}
	m, err := gc.NewMarker(gc.MarkConfig{Federation: fed, Cutoff: gc.TIDFromUint64(100), ScratchDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))

	bad, err := m.TakeBad()
	require.NoError(t, err)
	defer bad.Close()

	require.False(t, m.Good().Has("alpha", gc.OIDFromUint64(10)))
	require.True(t, bad.Has("alpha", gc.OIDFromUint64(10)))
}

func TestMarkerPromotesBadToGoodWhenLaterRecordRefersToIt(t *testing.T) {
	alpha := memstorage.New("alpha", false)
	oid10 := gc.OIDFromUint64(10)
	oid20 := gc.OIDFromUint64(20)

	var rootData []byte
	rootData = gc.EncodeRef(rootData, "bare", "", oid20)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: rootData}) // tid1, seeds oid20 as good

	alpha.Commit(map[gc.OID][]byte{oid10: selfRef(oid10)}) // tid2: scanned before anything points to it

	var oid20Data []byte
	oid20Data = gc.EncodeRef(oid20Data, "bare", "", oid10)
	alpha.Commit(map[gc.OID][]byte{oid20: oid20Data}) // tid3: good, refers to oid10

	fed := gc.Federation{"alpha": alpha}
	m, err := gc.NewMarker(gc.MarkConfig{Federation: fed, Cutoff: gc.TIDFromUint64(100), ScratchDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))

	bad, err := m.TakeBad()
	require.NoError(t, err)
	defer bad.Close()

	require.True(t, m.Good().Has("alpha", oid10), "oid10 must be promoted back to good")
	require.False(t, bad.Has("alpha", oid10))
}

func TestMarkerDeletedOidIsNeverBad(t *testing.T) {
	alpha := memstorage.New("alpha", false)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: selfRef(gc.RootOID)})
	oid := gc.OIDFromUint64(5)
	alpha.Commit(map[gc.OID][]byte{oid: selfRef(oid)})
	alpha.Commit(map[gc.OID][]byte{oid: nil}) // tombstone

	fed := gc.Federation{"alpha": alpha}
	m := runMarker(t, fed, gc.TIDFromUint64(100), nil)
	bad, err := m.TakeBad()
	require.NoError(t, err)
	defer bad.Close()

	require.True(t, m.Deleted().Has("alpha", oid))
	require.False(t, m.Good().Has("alpha", oid))
	require.False(t, bad.Has("alpha", oid))
}

func TestMarkerRootUnreachableIsFatal(t *testing.T) {
	alpha := memstorage.New("alpha", false)
	fed := gc.Federation{"alpha": alpha}
	m, err := gc.NewMarker(gc.MarkConfig{Federation: fed, Cutoff: gc.TIDFromUint64(100), ScratchDir: t.TempDir()})
	require.NoError(t, err)

	err = m.Run(context.Background())
	require.Error(t, err)
	var rootErr *gc.RootUnreachableError
	require.ErrorAs(t, err, &rootErr)
	require.Equal(t, "alpha", rootErr.DB)
}

func TestMarkerCrossDBReferenceKeepsTargetGood(t *testing.T) {
	alpha := memstorage.New("alpha", true)
	beta := memstorage.New("beta", true)

	target := gc.OIDFromUint64(1)
	var rootData []byte
	rootData = gc.EncodeRef(rootData, "multi-db", "beta", target)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: rootData})
	beta.Commit(map[gc.OID][]byte{gc.RootOID: selfRef(gc.RootOID)})
	beta.Commit(map[gc.OID][]byte{target: selfRef(target)})

	fed := gc.Federation{"alpha": alpha, "beta": beta}
	m := runMarker(t, fed, gc.TIDFromUint64(100), nil)
	require.True(t, m.Good().Has("beta", target))
}

func TestMarkerIgnoreDropsCrossDBReference(t *testing.T) {
	alpha := memstorage.New("alpha", true)
	beta := memstorage.New("beta", true)

	target := gc.OIDFromUint64(1)
	var rootData []byte
	rootData = gc.EncodeRef(rootData, "multi-db", "beta", target)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: rootData})
	beta.Commit(map[gc.OID][]byte{gc.RootOID: selfRef(gc.RootOID)})
	beta.Commit(map[gc.OID][]byte{target: selfRef(target)})

	fed := gc.Federation{"alpha": alpha, "beta": beta}
	m := runMarker(t, fed, gc.TIDFromUint64(100), map[string]struct{}{"beta": {}})
	require.False(t, m.Good().Has("beta", target), "ignored db reference must not seed goodness")

	bad, err := m.TakeBad()
	require.NoError(t, err)
	defer bad.Close()
	require.True(t, bad.Has("beta", target))
}
