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
	"errors"
	"time"

	"github.com/erigontech/erigon-lib/log/v3"
)

const (
	initialBatchSize = 100
	minBatchSize     = 10
)

// clock abstracts time.Now/time.Sleep so tests can inject a fake one and
// assert the pacing formula without real wall-clock delays.
type clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time     { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// SweepConfig parameterizes a Sweeper run.
type SweepConfig struct {
	Federation Federation
	Clock      clock // nil uses the real wall clock
	Logger     log.Logger
	Metrics    *Metrics
}

// Sweeper drains a BadIndex into batched, tid-guarded deletion transactions
// against each store, pacing itself so a single sweep doesn't starve a live
// store's other clients: batch size shrinks to keep each batch's wall time
// roughly constant, and the sweeper sleeps twice that duration between
// batches.
type Sweeper struct {
	cfg SweepConfig
}

// NewSweeper returns a Sweeper over cfg. cfg.Clock defaults to the real
// clock if nil.
func NewSweeper(cfg SweepConfig) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return &Sweeper{cfg: cfg}
}

// Sweep drains bad.Iterator(db) for every database in the federation,
// per spec §4.5.
func (s *Sweeper) Sweep(ctx context.Context, bad *BadIndex) error {
	for _, name := range s.cfg.Federation.Names() {
		if err := s.sweepDB(ctx, name, s.cfg.Federation[name], bad); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) sweepDB(ctx context.Context, name string, st Storage, bad *BadIndex) error {
	txn, err := st.BeginDelete(ctx)
	if err != nil {
		return err
	}

	batchSize := initialBatchSize
	inBatch := 0
	deletedAny := false
	batchStart := s.cfg.Clock.Now()
	total := 0

	finishBatch := func() error {
		if err := txn.Vote(ctx); err != nil {
			return err
		}
		if err := txn.Finish(ctx); err != nil {
			return err
		}
		dur := s.cfg.Clock.Now().Sub(batchStart)
		s.cfg.Clock.Sleep(2 * dur)

		secs := dur.Seconds()
		if secs <= 0 {
			secs = 1e-9
		}
		next := int(float64(batchSize) * 0.5 / secs)
		if next < minBatchSize {
			next = minBatchSize
		}
		batchSize = next
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Deleted.WithLabelValues(name).Add(float64(inBatch))
			s.cfg.Metrics.SweepBatchSize.WithLabelValues(name).Set(float64(batchSize))
		}
		s.cfg.Logger.Info("sweep batch committed", "db", name, "deleted", inBatch, "duration", dur, "next_batch_size", batchSize)
		return nil
	}

	for oid, tid := range bad.Iterator(name) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := txn.DeleteObject(ctx, oid, tid)
		switch {
		case err == nil:
			inBatch++
			deletedAny = true
			total++
		case errors.Is(err, ErrKeyMissing), errors.Is(err, ErrConflict):
			s.cfg.Logger.Debug("sweep skipped object", "db", name, "oid", oid, "reason", err)
		default:
			return err
		}

		if inBatch >= batchSize {
			if err := finishBatch(); err != nil {
				return err
			}
			txn, err = st.BeginDelete(ctx)
			if err != nil {
				return err
			}
			inBatch = 0
			batchStart = s.cfg.Clock.Now()
		}
	}

	if inBatch > 0 {
		if err := finishBatch(); err != nil {
			return err
		}
	} else if !deletedAny {
		if err := txn.Abort(ctx); err != nil {
			return err
		}
	} else {
		if err := txn.Finish(ctx); err != nil {
			return err
		}
	}

	s.cfg.Logger.Info("sweep complete", "db", name, "deleted", total)
	return nil
}
