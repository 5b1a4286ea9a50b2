// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package table_test

import (
	"sync"
	"testing"

	"github.com/antimetal/iodiag/pkg/blkio/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type id uint64

func newTable(t *testing.T, capacity int) *table.Table[id, string] {
	t.Helper()
	tbl, err := table.New[id, string](capacity, table.Uint64Hasher[id](), table.WithShards(4))
	require.NoError(t, err)
	return tbl
}

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := table.New[id, string](0, table.Uint64Hasher[id]())
	assert.ErrorIs(t, err, table.ErrInvalidCapacity)

	_, err = table.New[id, string](1, nil)
	assert.Error(t, err)
}

func TestTable_PutGetDelete(t *testing.T) {
	tbl := newTable(t, 8)

	assert.True(t, tbl.Put(1, "a"))
	assert.True(t, tbl.Put(1, "b"), "overwrite never counts against capacity")
	assert.Equal(t, 1, tbl.Len())

	v, ok := tbl.Get(1)
	require.True(t, ok)
	assert.Equal(t, "b", v)

	assert.True(t, tbl.Delete(1))
	assert.False(t, tbl.Delete(1))
	_, ok = tbl.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_CapacityDropsNewKeys(t *testing.T) {
	tbl := newTable(t, 2)

	assert.True(t, tbl.Put(1, "a"))
	assert.True(t, tbl.Put(2, "b"))
	assert.False(t, tbl.Put(3, "c"))
	assert.False(t, tbl.Upsert(4, func(v *string) { *v = "d" }))
	assert.Equal(t, uint64(2), tbl.Dropped())
	assert.Equal(t, 2, tbl.Len())

	// existing keys still update when full
	assert.True(t, tbl.Put(2, "bb"))
	assert.True(t, tbl.Upsert(1, func(v *string) { *v += "a" }))
	v, _ := tbl.Get(1)
	assert.Equal(t, "aa", v)

	// freeing a slot admits a new key again
	tbl.Delete(1)
	assert.True(t, tbl.Put(3, "c"))
}

func TestTable_UpdateAndTake(t *testing.T) {
	tbl := newTable(t, 4)

	assert.False(t, tbl.Update(7, func(v *string) { *v = "x" }))
	tbl.Put(7, "x")
	assert.True(t, tbl.Update(7, func(v *string) { *v += "y" }))

	v, ok := tbl.Take(7)
	require.True(t, ok)
	assert.Equal(t, "xy", v)

	_, ok = tbl.Take(7)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_DrainIsIdempotent(t *testing.T) {
	tbl := newTable(t, 16)
	for i := id(0); i < 10; i++ {
		tbl.Put(i, "v")
	}

	first := tbl.Drain()
	assert.Len(t, first, 10)
	assert.Equal(t, 0, tbl.Len())

	second := tbl.Drain()
	assert.Empty(t, second)
}

func TestTable_ConcurrentAccess(t *testing.T) {
	tbl := newTable(t, 100000)

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k := id(base*perWorker + i)
				tbl.Put(k, "v")
				tbl.Update(k, func(v *string) { *v = "w" })
				if i%2 == 0 {
					tbl.Delete(k)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker/2, tbl.Len())
	assert.Zero(t, tbl.Dropped())
}
