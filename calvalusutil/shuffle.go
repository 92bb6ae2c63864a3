/*
Copyright © 2026 the Calvalus authors.
This file is part of Calvalus.

Calvalus is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Calvalus is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Calvalus.  If not, see <http://www.gnu.org/licenses/>.
*/

package calvalusutil

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lanrat/extsort"
	"golang.org/x/sync/errgroup"
)

// record is a keyed payload on its way through the shuffle.
type record struct {
	key     int64
	payload []byte
}

// ToBytes implements extsort.SortType.
func (r record) ToBytes() []byte {
	b := make([]byte, 8+len(r.payload))
	binary.BigEndian.PutUint64(b, uint64(r.key))
	copy(b[8:], r.payload)
	return b
}

func recordFromBytes(b []byte) extsort.SortType {
	return record{key: int64(binary.BigEndian.Uint64(b)), payload: append([]byte(nil), b[8:]...)}
}

func recordLess(a, b extsort.SortType) bool {
	return a.(record).key < b.(record).key
}

// emitFunc sends a record to a partition.
type emitFunc func(part int, key int64, payload []byte) error

// shuffle runs produce, which sends records to numPartitions
// partitions, and reduce once per partition with that partition's
// records sorted by key. Records that do not fit in memory are sorted
// through temporary files in tempDir. Every partition is reduced in its
// own goroutine; produce runs concurrently with them.
//
// The sorted channel is also closed when sorting or producing fails, so
// reduce must call wait after draining it and before committing any
// output; a non-nil result means the records it saw are incomplete.
func shuffle(ctx context.Context, numPartitions int, tempDir string,
	produce func(emit emitFunc) error,
	reduce func(part int, sorted <-chan extsort.SortType, wait func() error) error) error {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	ins := make([]chan extsort.SortType, numPartitions)
	for p := range ins {
		ins[p] = make(chan extsort.SortType, 256)
		cfg := extsort.DefaultConfig()
		if tempDir != "" {
			cfg.TempFilesDir = tempDir
		}
		sorter, out, errc := extsort.New(ins[p], recordFromBytes, recordLess, cfg)
		p := p
		var sortErr error
		waited := false
		wait := func() error {
			if !waited {
				waited = true
				if err := <-errc; err != nil {
					sortErr = fmt.Errorf("sorting: %v", err)
				}
			}
			if sortErr != nil {
				return sortErr
			}
			return gctx.Err()
		}
		g.Go(func() error {
			go sorter.Sort(gctx)
			if err := reduce(p, out, wait); err != nil {
				go func() {
					for range out {
					}
				}()
				return fmt.Errorf("partition %d: %w", p, err)
			}
			if err := wait(); err != nil {
				return fmt.Errorf("partition %d: %w", p, err)
			}
			return nil
		})
	}
	var produceErr error
	g.Go(func() error {
		produceErr = produce(func(part int, key int64, payload []byte) error {
			if part < 0 || part >= numPartitions {
				return fmt.Errorf("invalid partition %d", part)
			}
			select {
			case ins[part] <- record{key: key, payload: payload}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		// Reducers must see the failure before their input ends.
		if produceErr != nil {
			cancel()
		}
		for _, in := range ins {
			close(in)
		}
		return produceErr
	})
	err := g.Wait()
	if produceErr != nil && !errors.Is(produceErr, context.Canceled) {
		// The reducers only saw the cancellation.
		return produceErr
	}
	return err
}
