package router

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("task-%d", i)
	}
	return keys
}

func TestLookupEmptyRing(t *testing.T) {
	r := New(0)
	_, version, err := r.Lookup("anything")
	assert.ErrorIs(t, err, ErrEmptyRing)
	assert.Equal(t, uint64(0), version)
}

func TestLookupDeterministicAcrossNodes(t *testing.T) {
	members := []string{"n1", "n2", "n3", "n4"}

	// two routers built independently from the same snapshot, member order
	// shuffled, agree on every key
	a := New(64)
	b := New(64)
	a.Rebuild(members)
	b.Rebuild([]string{"n3", "n1", "n4", "n2", "n1"})

	for _, k := range testKeys(2000) {
		ownerA, va, err := a.Lookup(k)
		require.NoError(t, err)
		ownerB, vb, err := b.Lookup(k)
		require.NoError(t, err)
		require.Equal(t, va, vb)
		require.Equal(t, ownerA, ownerB, "key %s", k)

		again, _, _ := a.Lookup(k)
		require.Equal(t, ownerA, again, "repeated lookup of %s changed owner", k)
	}
}

func TestBoundedRemapOnJoinAndLeave(t *testing.T) {
	keys := testKeys(20000)

	tests := []struct {
		name   string
		before []string
		after  []string
		n      int
	}{
		{"join", []string{"n1", "n2", "n3", "n4"}, []string{"n1", "n2", "n3", "n4", "n5"}, 5},
		{"leave", []string{"n1", "n2", "n3", "n4", "n5"}, []string{"n1", "n2", "n4", "n5"}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := NewRing(1, tt.before, DefaultVirtualNodes)
			after := NewRing(2, tt.after, DefaultVirtualNodes)

			moved, err := Moved(before, after, keys)
			require.NoError(t, err)

			fraction := float64(moved) / float64(len(keys))
			ideal := 1.0 / float64(tt.n)
			assert.Greater(t, fraction, 0.0)
			assert.Less(t, fraction, ideal*1.6, "moved %.3f of keys, ideal %.3f", fraction, ideal)
		})
	}
}

func TestOnlyKeysOfDepartedNodeMove(t *testing.T) {
	before := NewRing(1, []string{"n1", "n2", "n3"}, DefaultVirtualNodes)
	after := NewRing(2, []string{"n1", "n3"}, DefaultVirtualNodes)

	for _, k := range testKeys(5000) {
		ownerBefore, _ := before.Lookup(k)
		ownerAfter, _ := after.Lookup(k)
		if ownerBefore != "n2" {
			require.Equal(t, ownerBefore, ownerAfter, "key %s moved although its owner stayed", k)
		}
		require.NotEqual(t, "n2", ownerAfter)
	}
}

func TestLoadSpread(t *testing.T) {
	ring := NewRing(1, []string{"n1", "n2", "n3", "n4"}, DefaultVirtualNodes)
	counts := map[string]int{}
	keys := testKeys(40000)
	for _, k := range keys {
		owner, err := ring.Lookup(k)
		require.NoError(t, err)
		counts[owner]++
	}

	require.Len(t, counts, 4)
	for owner, c := range counts {
		share := float64(c) / float64(len(keys))
		assert.InDelta(t, 0.25, share, 0.08, "owner %s has share %.3f", owner, share)
	}
}

func TestLookupN(t *testing.T) {
	ring := NewRing(1, []string{"n1", "n2", "n3"}, 32)

	owners, err := ring.LookupN("task-1", 5)
	require.NoError(t, err)
	assert.Len(t, owners, 3)
	assert.ElementsMatch(t, []string{"n1", "n2", "n3"}, owners)

	primary, _ := ring.Lookup("task-1")
	assert.Equal(t, primary, owners[0])
}

func TestRebuildIsAtomicForReaders(t *testing.T) {
	r := New(32)
	odd := []string{"a", "b", "c"}
	even := []string{"x", "y"}
	r.Rebuild(even)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				r.Rebuild(odd)
			} else {
				r.Rebuild(even)
			}
		}
		close(stop)
	}()

	// each snapshot must be internally consistent: every owner it returns is
	// one of that snapshot's members, and the member set is one of the two
	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}

		snap := r.Snapshot()
		members := snap.Members()
		if len(members) == 0 {
			continue
		}
		require.Contains(t, [][]string{odd, even}, members)
		for _, k := range testKeys(20) {
			owner, err := snap.Lookup(k)
			require.NoError(t, err)
			require.True(t, snap.Contains(owner), "owner %s not in snapshot %v", owner, members)
		}
	}
}

func TestVersionsIncrease(t *testing.T) {
	r := New(8)
	v1 := r.Rebuild([]string{"a"}).Version()
	v2 := r.Rebuild([]string{"a", "b"}).Version()
	assert.Equal(t, v1+1, v2)
	assert.Equal(t, v2, r.Snapshot().Version())
}
