// Package router maps keys (task routing keys, capabilities, node ids) to
// owners with a consistent-hash ring.
//
// Each member is placed on the ring at VirtualNodes positions. A lookup hashes
// the key and walks clockwise to the first position at or after it. Adding or
// removing one member only moves the keys whose nearest position changed,
// roughly 1/n of the key space.
//
// Rings are immutable. Router.Rebuild builds a new ring off to the side and
// publishes it with a single atomic pointer swap, so a concurrent Lookup
// always sees one whole membership version, never a mix.
package router

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes balances lookup cost against load spread.
const DefaultVirtualNodes = 128

// ErrEmptyRing is returned by Lookup when there are no members.
var ErrEmptyRing = errors.New("hash ring has no members")

type point struct {
	hash  uint64
	owner string
}

// Ring is one immutable membership snapshot.
type Ring struct {
	version uint64
	members []string // Sorted, deduplicated
	points  []point  // Sorted by hash
}

// NewRing builds a ring over members with vnodes positions each. Duplicate
// and empty member ids are dropped.
func NewRing(version uint64, members []string, vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}

	uniq := make([]string, 0, len(members))
	for _, m := range members {
		if m != "" {
			uniq = append(uniq, m)
		}
	}
	slices.Sort(uniq)
	uniq = slices.Compact(uniq)

	points := make([]point, 0, len(uniq)*vnodes)
	for _, m := range uniq {
		for i := 0; i < vnodes; i++ {
			points = append(points, point{hash: hashKey(m + "#" + strconv.Itoa(i)), owner: m})
		}
	}
	// ties are broken by owner so every node orders an identical member set
	// identically
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash == points[j].hash {
			return points[i].owner < points[j].owner
		}
		return points[i].hash < points[j].hash
	})

	return &Ring{version: version, members: uniq, points: points}
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Version returns the membership version this ring was built from.
func (r *Ring) Version() uint64 {
	return r.version
}

// Members returns the ring's members, sorted.
func (r *Ring) Members() []string {
	return slices.Clone(r.members)
}

// Contains reports whether id is a member.
func (r *Ring) Contains(id string) bool {
	_, found := slices.BinarySearch(r.members, id)
	return found
}

// Lookup returns the owner of key.
func (r *Ring) Lookup(key string) (string, error) {
	if len(r.points) == 0 {
		return "", ErrEmptyRing
	}
	h := hashKey(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].owner, nil
}

// LookupN returns up to n distinct owners for key in ring order, starting
// with the primary owner. Used to pick a fallback when the primary cannot
// take the work.
func (r *Ring) LookupN(key string, n int) ([]string, error) {
	if len(r.points) == 0 {
		return nil, ErrEmptyRing
	}
	if n > len(r.members) {
		n = len(r.members)
	}

	h := hashKey(key)
	start := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })

	owners := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(owners) < n; i++ {
		owner := r.points[(start+i)%len(r.points)].owner
		if !slices.Contains(owners, owner) {
			owners = append(owners, owner)
		}
	}
	return owners, nil
}

// Router publishes the current ring.
type Router struct {
	vnodes  int
	current atomic.Pointer[Ring]
	version atomic.Uint64
}

// New creates a router with an empty ring.
func New(vnodes int) *Router {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	r := &Router{vnodes: vnodes}
	r.current.Store(NewRing(0, nil, vnodes))
	return r
}

// Rebuild replaces the ring with one built from members and returns it.
// Versions increase by one per rebuild.
func (r *Router) Rebuild(members []string) *Ring {
	ring := NewRing(r.version.Add(1), members, r.vnodes)
	r.current.Store(ring)
	return ring
}

// Snapshot returns the current ring. Callers doing several lookups that must
// agree with each other should take one snapshot and use it throughout.
func (r *Router) Snapshot() *Ring {
	return r.current.Load()
}

// Lookup resolves key against the current ring and reports which version
// answered.
func (r *Router) Lookup(key string) (string, uint64, error) {
	ring := r.current.Load()
	owner, err := ring.Lookup(key)
	if err != nil {
		return "", ring.version, err
	}
	return owner, ring.version, nil
}

// Moved counts how many of keys change owner between two rings.
func Moved(before, after *Ring, keys []string) (int, error) {
	moved := 0
	for _, k := range keys {
		a, err := before.Lookup(k)
		if err != nil {
			return 0, fmt.Errorf("lookup %q in version %d: %w", k, before.version, err)
		}
		b, err := after.Lookup(k)
		if err != nil {
			return 0, fmt.Errorf("lookup %q in version %d: %w", k, after.version, err)
		}
		if a != b {
			moved++
		}
	}
	return moved, nil
}
