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
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/tidwall/btree"
)

// blobMarker is the substring the heuristic in spec §4.6 / §9 looks for in
// a small payload before treating a record as a blob reference. The
// heuristic is fixed: CheckConfig has no option to replace it.
const blobMarker = "\x00blob\x00"
const blobHeuristicMaxLen = 100

func lessOID(a, b OID) bool { return string(a[:]) < string(b[:]) }

func newOIDTree() *btree.BTreeG[OID] { return btree.NewBTreeG(lessOID) }

// backRefEntry is the tagged variant from spec §9: referrers to one (db,
// oid) are either all in the same db (Local) or span multiple dbs
// (CrossDb), promoted the first time a cross-db referrer appears.
type backRefEntry struct {
	local *btree.BTreeG[OID]
	cross map[string]*btree.BTreeG[OID]
}

func newBackRefEntry() *backRefEntry {
	return &backRefEntry{local: newOIDTree()}
}

func (e *backRefEntry) add(fromDB, db string, fromOID OID) {
	if e.cross != nil {
		s := e.cross[fromDB]
		if s == nil {
			s = newOIDTree()
			e.cross[fromDB] = s
		}
		s.Set(fromOID)
		return
	}
	if fromDB == db {
		e.local.Set(fromOID)
		return
	}
	// First cross-db referrer: promote the existing local set into the
	// cross-db map, keyed under db itself.
	e.cross = map[string]*btree.BTreeG[OID]{db: e.local}
	e.local = nil
	s := newOIDTree()
	s.Set(fromOID)
	e.cross[fromDB] = s
}

// BackRefIndex is db -> oid -> referrers, per spec §3. It is built
// in-process during a check run and, when a persistence sink is
// configured, periodically committed to bound memory.
type BackRefIndex struct {
	entries map[string]map[OID]*backRefEntry
	sink    BackRefSink
	inserts int
}

// BackRefSink persists accumulated back-references; CheckConfig.RefSink
// wires this to an object-store-backed implementation (e.g. mdbxstorage).
type BackRefSink interface {
	PutBackRefs(ctx context.Context, db string, oid OID, referrers []Ref) error
	Commit(ctx context.Context) error
}

const backRefCommitEvery = 400

func newBackRefIndex(sink BackRefSink) *BackRefIndex {
	return &BackRefIndex{entries: make(map[string]map[OID]*backRefEntry), sink: sink}
}

func (idx *BackRefIndex) add(ctx context.Context, fromDB string, fromOID OID, toDB string, toOID OID) error {
	byOID := idx.entries[toDB]
	if byOID == nil {
		byOID = make(map[OID]*backRefEntry)
		idx.entries[toDB] = byOID
	}
	e := byOID[toOID]
	if e == nil {
		e = newBackRefEntry()
		byOID[toOID] = e
	}
	e.add(fromDB, toDB, fromOID)

	if idx.sink == nil {
		return nil
	}
	if err := idx.sink.PutBackRefs(ctx, toDB, toOID, []Ref{{DB: fromDB, OID: fromOID}}); err != nil {
		return err
	}
	idx.inserts++
	if idx.inserts%backRefCommitEvery == 0 {
		return idx.sink.Commit(ctx)
	}
	return nil
}

// CheckConfig parameterizes a Checker run.
type CheckConfig struct {
	Federation Federation
	// RefSink persists the back-ref index when non-nil.
	RefSink BackRefSink
	// Report receives every diagnostic line the walk produces; defaults to
	// writing to Logger at Warn level if nil.
	Report  io.Writer
	Logger  log.Logger
	Metrics *Metrics
}

// Checker performs a live forward reachability walk from every database's
// root, reporting load failures and cross-database reference policy
// violations without stopping the walk.
type Checker struct {
	cfg  CheckConfig
	seen *OidSet
	refs *BackRefIndex
}

// NewChecker builds a Checker over cfg.
func NewChecker(cfg CheckConfig) *Checker {
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return &Checker{
		cfg:  cfg,
		seen: NewOidSet(cfg.Federation.Names()),
		refs: newBackRefIndex(cfg.RefSink),
	}
}

// worklistEntry is one pending (db, oid) to visit, remembering who
// referred to it so a load failure can report the referrer per spec §4.6.
type worklistEntry struct {
	db        string
	oid       OID
	fromDB    string
	fromOID   OID
	hasFromDB bool
}

// Run walks the federation from {(db, root)} for every db and returns once
// the worklist is exhausted. It never returns an error for a single bad
// record — those are reported via Report — only for conditions that make
// continuing meaningless (a root unreachable is still reported, not
// fatal, matching the Checker's "report and continue" policy).
func (c *Checker) Run(ctx context.Context) error {
	var worklist []worklistEntry
	for _, name := range c.cfg.Federation.Names() {
		worklist = append(worklist, worklistEntry{db: name, oid: RootOID})
	}

	for len(worklist) > 0 {
		w := worklist[0]
		worklist = worklist[1:]

		if c.seen.Has(w.db, w.oid) {
			continue
		}
		c.seen.Insert(w.db, w.oid)

		st, ok := c.cfg.Federation[w.db]
		if !ok {
			// Shouldn't happen: worklist entries always come from a known
			// db or from a reference already checked against the
			// federation below.
			continue
		}

		data, tid, err := st.Load(ctx, w.oid)
		if err != nil {
			c.report(w, &LoadError{DB: w.db, OID: w.oid, Err: err})
			continue
		}
		if c.looksLikeBlob(data) {
			if _, err := st.LoadBlob(ctx, w.oid, tid); err != nil {
				c.report(w, &LoadError{DB: w.db, OID: w.oid, Err: err})
			}
		}

		refs, err := ExtractRefs(data, w.db, w.oid, nil)
		if err != nil {
			c.report(w, err)
			continue
		}

		for _, r := range refs {
			if r.DB != w.db && !st.XRefsAllowed() {
				c.report(w, &BadCrossRefError{FromDB: w.db, FromOID: w.oid.String(), ToDB: r.DB, ToOID: r.OID})
			}
			if _, known := c.cfg.Federation[r.DB]; !known {
				c.report(w, &UnknownDatabaseError{FromDB: w.db, FromOID: w.oid, ToDB: r.DB, ToOID: r.OID})
			}
			if err := c.refs.add(ctx, w.db, w.oid, r.DB, r.OID); err != nil {
				c.cfg.Logger.Error("back-ref sink commit failed", "err", err)
			}
			if !c.seen.Has(r.DB, r.OID) {
				worklist = append(worklist, worklistEntry{db: r.DB, oid: r.OID, fromDB: w.db, fromOID: w.oid, hasFromDB: true})
			}
		}
	}

	if c.refs.sink != nil {
		return c.refs.sink.Commit(ctx)
	}
	return nil
}

// looksLikeBlob applies the heuristic spec §9 permits: a non-empty payload
// shorter than blobHeuristicMaxLen that contains blobMarker. No further
// structural check of the payload is made.
func (c *Checker) looksLikeBlob(data []byte) bool {
	return len(data) > 0 && len(data) < blobHeuristicMaxLen && bytes.Contains(data, []byte(blobMarker))
}

func (c *Checker) report(w worklistEntry, err error) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CheckDiagnostics.WithLabelValues(diagnosticKind(err)).Inc()
	}
	out := c.cfg.Report
	line := formatDiagnostic(w, err)
	if out == nil {
		c.cfg.Logger.Warn(line)
		return
	}
	fmt.Fprintln(out, line)
}

func diagnosticKind(err error) string {
	switch err.(type) {
	case *LoadError:
		return "load_error"
	case *BadCrossRefError:
		return "bad_cross_ref"
	case *UnknownDatabaseError:
		return "unknown_database"
	default:
		return "other"
	}
}

func formatDiagnostic(w worklistEntry, err error) string {
	referrer := "?"
	if w.hasFromDB {
		referrer = fmt.Sprintf("%s %s", w.fromDB, w.fromOID)
	}
	return fmt.Sprintf("!!! %s %s %s: %v", w.db, w.oid, referrer, err)
}
