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
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/multidbgc/gc"
	"github.com/erigontech/multidbgc/gc/memstorage"
)

// fakeBackRefSink records PutBackRefs/Commit calls for assertions, instead
// of persisting to a real store.
type fakeBackRefSink struct {
	mu      sync.Mutex
	puts    int
	commits int
}

func (s *fakeBackRefSink) PutBackRefs(context.Context, string, gc.OID, []gc.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	return nil
}

func (s *fakeBackRefSink) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

func selfRefBytes(oid gc.OID) []byte { return gc.EncodeRef(nil, "bare", "", oid) }

func TestCheckerReachableGraphHasNoDiagnostics(t *testing.T) {
	alpha := memstorage.New("alpha", false)
	target := gc.OIDFromUint64(1)
	var rootData []byte
	rootData = gc.EncodeRef(rootData, "bare", "", target)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: rootData})
	alpha.Commit(map[gc.OID][]byte{target: selfRefBytes(target)})

	var out bytes.Buffer
	checker := gc.NewChecker(gc.CheckConfig{Federation: gc.Federation{"alpha": alpha}, Report: &out})
	require.NoError(t, checker.Run(context.Background()))
	require.Empty(t, out.String())
}

func TestCheckerReportsLoadError(t *testing.T) {
	alpha := memstorage.New("alpha", false)
	missing := gc.OIDFromUint64(99)
	var rootData []byte
	rootData = gc.EncodeRef(rootData, "bare", "", missing)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: rootData})

	var out bytes.Buffer
	checker := gc.NewChecker(gc.CheckConfig{Federation: gc.Federation{"alpha": alpha}, Report: &out})
	require.NoError(t, checker.Run(context.Background()))
	require.Contains(t, out.String(), "alpha")
	require.Contains(t, out.String(), missing.String())
}

func TestCheckerReportsBadCrossRefWhenNotAllowed(t *testing.T) {
	alpha := memstorage.New("alpha", false) // xrefs disallowed
	beta := memstorage.New("beta", true)

	target := gc.OIDFromUint64(1)
	var rootData []byte
	rootData = gc.EncodeRef(rootData, "multi-db", "beta", target)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: rootData})
	beta.Commit(map[gc.OID][]byte{gc.RootOID: selfRefBytes(gc.RootOID)})
	beta.Commit(map[gc.OID][]byte{target: selfRefBytes(target)})

	var out bytes.Buffer
	checker := gc.NewChecker(gc.CheckConfig{Federation: gc.Federation{"alpha": alpha, "beta": beta}, Report: &out})
	require.NoError(t, checker.Run(context.Background()))
	require.Contains(t, out.String(), "bad xref")
}

func TestCheckerReportsUnknownDatabase(t *testing.T) {
	alpha := memstorage.New("alpha", true)
	target := gc.OIDFromUint64(1)
	var rootData []byte
	rootData = gc.EncodeRef(rootData, "multi-db", "ghost", target)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: rootData})

	var out bytes.Buffer
	checker := gc.NewChecker(gc.CheckConfig{Federation: gc.Federation{"alpha": alpha}, Report: &out})
	require.NoError(t, checker.Run(context.Background()))
	require.Contains(t, out.String(), "ghost")
}

func TestCheckerPersistsBackRefsAndCommitsAtEnd(t *testing.T) {
	alpha := memstorage.New("alpha", false)
	target := gc.OIDFromUint64(1)
	var rootData []byte
	rootData = gc.EncodeRef(rootData, "bare", "", target)
	alpha.Commit(map[gc.OID][]byte{gc.RootOID: rootData})
	alpha.Commit(map[gc.OID][]byte{target: selfRefBytes(target)})

	sink := &fakeBackRefSink{}
	checker := gc.NewChecker(gc.CheckConfig{Federation: gc.Federation{"alpha": alpha}, RefSink: sink})
	require.NoError(t, checker.Run(context.Background()))

	require.Positive(t, sink.puts)
	require.Equal(t, 1, sink.commits, "final commit happens once the walk is exhausted")
}
