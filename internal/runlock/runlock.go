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

// Package runlock guards a federation's datadir against concurrent
// multidbgc-gc runs, which walk and mutate the same on-disk stores.
// multidbgc-check-refs does not take this lock.
package runlock

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	math "github.com/erigontech/erigon-lib/common/math"
)

// Lock is a held advisory lock over one datadir. Release with Unlock.
type Lock struct {
	fl *flock.Flock
}

const retryInterval = 200 * time.Millisecond

// Acquire takes an exclusive lock on datadir/.multidbgc.lock, polling every
// retryInterval until timeout elapses. timeout is rounded up to a whole
// number of retryIntervals, minimum one, so a zero timeout still waits up to
// one retryInterval.
func Acquire(ctx context.Context, datadir string, timeout time.Duration) (*Lock, error) {
	fl := flock.New(filepath.Join(datadir, ".multidbgc.lock"))

	// TryLockContext polls at retryInterval until ctx is done; round the
	// caller's timeout up to a whole number of polls so a timeout shorter
	// than one interval still gets at least one retry.
	polls := math.CeilDiv(int(timeout), int(retryInterval))
	if polls < 1 {
		polls = 1
	}
	lockCtx, cancel := context.WithTimeout(ctx, time.Duration(polls)*retryInterval)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, retryInterval)
	if err != nil {
		return nil, fmt.Errorf("runlock: acquiring %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("runlock: %s held by another process after %s", fl.Path(), timeout)
	}
	return &Lock{fl: fl}, nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return l.fl.Unlock()
}
