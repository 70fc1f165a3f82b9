// Package ring spreads by-id lookups over relays with consistent hashing, so
// adding or dropping a relay only moves the ids that relay owned.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
)

const DefaultReplicas = 128

type Hasher func([]byte) uint32

// FNV32a is the default point hash.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> relay url
	members  map[string]struct{}
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		members:  make(map[string]struct{}),
	}
}

// Add places member on the ring; adding twice is a no-op.
func (r *HashRing) Add(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[member]; ok {
		return
	}
	r.members[member] = struct{}{}
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(member, i))
		r.owners[pt] = member
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

func (r *HashRing) Remove(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[member]; !ok {
		return
	}
	delete(r.members, member)
	r.rebuildLocked()
}

func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.members)
	r.rebuildLocked()
}

func (r *HashRing) rebuildLocked() {
	r.points = r.points[:0]
	clear(r.owners)
	for m := range r.members {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(m, i))
			r.owners[pt] = m
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Members returns the sorted member list.
func (r *HashRing) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Lookup returns the owner of key, or "" on an empty ring.
func (r *HashRing) Lookup(key []byte) string {
	owners := r.LookupN(key, 1)
	if len(owners) == 0 {
		return ""
	}
	return owners[0]
}

// LookupN walks clockwise from key and returns up to n distinct members.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}

	n = min(n, len(r.members))
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		m := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func pointKey(member string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(member), buf[:]...)
}
