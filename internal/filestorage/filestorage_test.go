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

package filestorage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/multidbgc/gc"
)

// writeRecord appends one raw (unsweetened) record to buf in the format
// filestorage.Open expects: tid, oid, length prefix, then a raw-magic
// payload.
func writeRecord(buf []byte, tid gc.TID, oid gc.OID, payload []byte) []byte {
	buf = append(buf, tid[:]...)
	buf = append(buf, oid[:]...)
	body := append([]byte{rawMagic}, payload...)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	buf = append(buf, length[:]...)
	buf = append(buf, body...)
	return buf
}

func TestOpenReadsLiveAndDeletedRecords(t *testing.T) {
	oid := gc.OIDFromUint64(1)
	deletedOID := gc.OIDFromUint64(2)
	var buf []byte
	buf = writeRecord(buf, gc.TIDFromUint64(1), oid, []byte("payload"))
	buf = writeRecord(buf, gc.TIDFromUint64(1), deletedOID, []byte("gone"))
	buf = writeRecord(buf, gc.TIDFromUint64(2), deletedOID, nil)

	path := filepath.Join(t.TempDir(), "alpha.records")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	st, err := Open("alpha", path, false, nil)
	require.NoError(t, err)

	data, tid, err := st.Load(context.Background(), oid)
	require.NoError(t, err)
	require.Equal(t, gc.TIDFromUint64(1), tid)
	require.Equal(t, []byte("payload"), data)

	_, _, err = st.Load(context.Background(), deletedOID)
	require.ErrorIs(t, err, gc.ErrKeyMissing)
}

func TestOpenTreatsEmptyPayloadAsDeletion(t *testing.T) {
	oid := gc.OIDFromUint64(1)
	var buf []byte
	buf = writeRecord(buf, gc.TIDFromUint64(1), oid, []byte("payload"))
	buf = writeRecord(buf, gc.TIDFromUint64(2), oid, nil)

	path := filepath.Join(t.TempDir(), "alpha.records")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	st, err := Open("alpha", path, false, nil)
	require.NoError(t, err)

	_, _, err = st.Load(context.Background(), oid)
	require.ErrorIs(t, err, gc.ErrKeyMissing)
}

func TestHexUntransformDecodesTaggedPayload(t *testing.T) {
	oid := gc.OIDFromUint64(1)
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	tagged := append([]byte(".h"), []byte(hex.EncodeToString(raw))...)

	var buf []byte
	buf = writeRecord(buf, gc.TIDFromUint64(1), oid, tagged)

	path := filepath.Join(t.TempDir(), "alpha.records")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	untransform, err := LookupUntransform("hex")
	require.NoError(t, err)

	st, err := Open("alpha", path, false, untransform)
	require.NoError(t, err)

	data, _, err := st.Load(context.Background(), oid)
	require.NoError(t, err)
	require.Equal(t, raw, data)
}

func TestLookupUntransformUnknownNameErrors(t *testing.T) {
	_, err := LookupUntransform("does-not-exist")
	require.Error(t, err)
}

func TestRegisterUntransformAddsNewName(t *testing.T) {
	RegisterUntransform("upper-noop", func(data []byte) []byte { return data })
	fn, err := LookupUntransform("upper-noop")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), fn([]byte("x")))
}

func TestIterateGroupsRecordsByTID(t *testing.T) {
	oidA := gc.OIDFromUint64(1)
	oidB := gc.OIDFromUint64(2)
	var buf []byte
	buf = writeRecord(buf, gc.TIDFromUint64(1), oidA, []byte("a"))
	buf = writeRecord(buf, gc.TIDFromUint64(1), oidB, []byte("b"))
	buf = writeRecord(buf, gc.TIDFromUint64(2), oidA, []byte("a2"))

	path := filepath.Join(t.TempDir(), "alpha.records")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	st, err := Open("alpha", path, false, nil)
	require.NoError(t, err)

	it, err := st.Iterate(context.Background(), nil, nil)
	require.NoError(t, err)
	defer it.Close()

	var txns [][]gc.Record
	for it.Next() {
		txns = append(txns, it.Records())
	}
	require.NoError(t, it.Err())
	require.Len(t, txns, 2)
	require.Len(t, txns[0], 2)
	require.Len(t, txns[1], 1)
}

func TestBeginDeleteUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alpha.records")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	st, err := Open("alpha", path, false, nil)
	require.NoError(t, err)

	_, err = st.BeginDelete(context.Background())
	require.Error(t, err)
}
