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
	"context"

	"github.com/erigontech/erigon-lib/log/v3"
)

// MarkConfig parameterizes a Marker run.
type MarkConfig struct {
	// Federation is the full set of stores to mark.
	Federation Federation
	// Cutoff is ptid: tid >= Cutoff is pass A (recent), tid < Cutoff is pass
	// B (old, candidate garbage).
	Cutoff TID
	// SkipRecent, when true, skips pass A entirely (the days=0 case): only
	// roots are unconditionally live.
	SkipRecent bool
	// Ignore drops references into these db names during extraction.
	Ignore map[string]struct{}
	// ScratchDir is where BadIndex's spill file is created.
	ScratchDir string
	// BadCacheSize sizes BadIndex's write-back LRU; 0 uses the default.
	BadCacheSize int
	Logger       log.Logger
	// Metrics, when non-nil, receives progress counters for this run.
	Metrics *Metrics
}

// Marker runs the two-pass, federation-wide mark algorithm described for
// GC: pass A seeds unconditional liveness from recent writes and roots,
// pass B classifies older revisions as good (reachable) or bad (candidate
// garbage), promoting previously-bad oids back to good when a later-scanned
// record proves they're still referenced.
type Marker struct {
	cfg MarkConfig

	good    *OidSet
	deleted *OidSet
	bad     *BadIndex

	// promote is the explicit worklist replacing the recursive promotion a
	// naive port would use; depth is bounded only by the number of distinct
	// oids, never by call-stack depth.
	promote []Ref
}

// NewMarker allocates the OidSets and BadIndex scratch file for cfg.
func NewMarker(cfg MarkConfig) (*Marker, error) {
	names := cfg.Federation.Names()
	bad, err := NewBadIndex(cfg.ScratchDir, names, cfg.BadCacheSize)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return &Marker{
		cfg:     cfg,
		good:    NewOidSet(names),
		deleted: NewOidSet(names),
		bad:     bad,
	}, nil
}

// Close releases the BadIndex scratch file. Callers that hand BadIndex to
// the Sweeper should call Close only after the sweep completes; use
// TakeBad to transfer ownership.
func (m *Marker) Close() error { return m.bad.Close() }

// TakeBad hands BadIndex ownership to the caller (the Sweeper), flushing
// any pending write-back cache entries first. After this call the Marker
// must not be used again.
func (m *Marker) TakeBad() (*BadIndex, error) {
	if err := m.bad.Flush(); err != nil {
		return nil, err
	}
	bad := m.bad
	m.bad = nil
	return bad, nil
}

// Good exposes the final good set, for testable-property assertions.
func (m *Marker) Good() *OidSet { return m.good }

// Deleted exposes the final deleted set, for testable-property assertions.
func (m *Marker) Deleted() *OidSet { return m.deleted }

// Run executes the seed, pass A (unless skipped) and pass B, federation
// wide: pass A completes for every database before pass B begins for any
// database, so a post-cutoff reference from one db can resurrect
// candidate garbage discovered so far in another — the safer of the two
// orderings the source historically varied on.
func (m *Marker) Run(ctx context.Context) error {
	if err := m.seedRoots(ctx); err != nil {
		return err
	}
	if !m.cfg.SkipRecent {
		for _, name := range m.cfg.Federation.Names() {
			if err := m.passA(ctx, name, m.cfg.Federation[name]); err != nil {
				return err
			}
		}
	}
	for _, name := range m.cfg.Federation.Names() {
		if err := m.passB(ctx, name, m.cfg.Federation[name]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Marker) seedRoots(ctx context.Context) error {
	for _, name := range m.cfg.Federation.Names() {
		st := m.cfg.Federation[name]
		data, _, err := st.Load(ctx, RootOID)
		if err != nil {
			return newRootUnreachable(name, err)
		}
		m.good.Insert(name, RootOID)
		refs, err := ExtractRefs(data, name, RootOID, m.cfg.Ignore)
		if err != nil {
			return err
		}
		for _, r := range refs {
			m.good.Insert(r.DB, r.OID)
		}
		m.cfg.Logger.Debug("seeded root", "db", name, "refs", len(refs))
	}
	return nil
}

// passA streams tid >= cutoff in commit order, per spec §4.4.
func (m *Marker) passA(ctx context.Context, name string, st Storage) error {
	cutoff := m.cfg.Cutoff
	it, err := st.Iterate(ctx, &cutoff, nil)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for it.Next() {
		for _, rec := range it.Records() {
			if err := m.passARecord(name, rec); err != nil {
				return err
			}
			count++
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordsScanned.WithLabelValues(name, "A").Add(float64(count))
	}
	m.cfg.Logger.Info("pass A complete", "db", name, "records", count)
	return nil
}

func (m *Marker) passARecord(db string, rec Record) error {
	if !rec.Deleted() {
		if m.deleted.Has(db, rec.OID) {
			return newInvariantViolation(db, rec.OID)
		}
		m.good.Insert(db, rec.OID)
		refs, err := ExtractRefs(rec.Data, db, rec.OID, m.cfg.Ignore)
		if err != nil {
			return err
		}
		for _, r := range refs {
			if m.deleted.Has(r.DB, r.OID) {
				continue
			}
			m.good.Insert(r.DB, r.OID)
			m.bad.Remove(r.DB, r.OID)
		}
		return nil
	}
	m.deleted.Insert(db, rec.OID)
	m.good.Remove(db, rec.OID)
	return nil
}

// passB streams tid < cutoff in commit order, per spec §4.4.
func (m *Marker) passB(ctx context.Context, name string, st Storage) error {
	cutoff := m.cfg.Cutoff
	it, err := st.Iterate(ctx, nil, &cutoff)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for it.Next() {
		for _, rec := range it.Records() {
			if err := m.passBRecord(name, rec); err != nil {
				return err
			}
			count++
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordsScanned.WithLabelValues(name, "B").Add(float64(count))
	}
	m.cfg.Logger.Info("pass B complete", "db", name, "records", count)
	return nil
}

func (m *Marker) passBRecord(db string, rec Record) error {
	if rec.Deleted() {
		m.good.Remove(db, rec.OID)
		m.bad.Remove(db, rec.OID)
		m.deleted.Insert(db, rec.OID)
		return nil
	}
	if m.deleted.Has(db, rec.OID) {
		return nil
	}
	refs, err := ExtractRefs(rec.Data, db, rec.OID, m.cfg.Ignore)
	if err != nil {
		return err
	}
	if m.good.Has(db, rec.OID) {
		for _, r := range refs {
			if m.deleted.Has(r.DB, r.OID) {
				continue
			}
			added := m.good.Insert(r.DB, r.OID)
			if added {
				m.enqueuePromotionIfBad(r.DB, r.OID)
			}
		}
		m.drainPromotions()
		return nil
	}
	live := refs[:0:0]
	for _, r := range refs {
		if m.good.Has(r.DB, r.OID) || m.deleted.Has(r.DB, r.OID) {
			continue
		}
		live = append(live, r)
	}
	if err := m.bad.Insert(db, rec.OID, rec.TID, live); err != nil {
		return err
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.BadObjects.WithLabelValues(db).Inc()
	}
	return nil
}

func (m *Marker) enqueuePromotionIfBad(db string, oid OID) {
	if m.bad.Has(db, oid) {
		m.promote = append(m.promote, Ref{DB: db, OID: oid})
	}
}

// drainPromotions runs the bad->good cascade to exhaustion using an
// explicit work-stack rather than recursion, so arbitrarily deep
// resurrection chains never grow the call stack.
func (m *Marker) drainPromotions() {
	for len(m.promote) > 0 {
		n := len(m.promote) - 1
		r := m.promote[n]
		m.promote = m.promote[:n]

		refs := m.bad.Pop(r.DB, r.OID)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.Promotions.WithLabelValues(r.DB).Inc()
			m.cfg.Metrics.BadObjects.WithLabelValues(r.DB).Dec()
		}
		for _, ref := range refs {
			if m.deleted.Has(ref.DB, ref.OID) {
				continue
			}
			added := m.good.Insert(ref.DB, ref.OID)
			if added {
				m.enqueuePromotionIfBad(ref.DB, ref.OID)
			}
		}
	}
}
