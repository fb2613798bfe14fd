// Copyright 2025, 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package groupmeta

import (
	"fmt"
	"sync"
)

// metadataCache is the C3 collaborator: the in-memory mirror of whatever
// this node currently owns from the offsets topic. offsetsMu is the
// "offset-expire" lock named in §5 — every read or write of the offsets map
// takes it, which is how the load pipeline, the store pipeline, and the
// expiration sweeper serialize against each other. The groups map has its
// own, narrower lock: it protects only map membership, not a group's
// fields, which are mutated under the group's own monitor (GroupMetadata.mu).
type metadataCache struct {
	offsetsMu sync.RWMutex
	offsets   map[OffsetKey]OffsetValue

	groupsMu sync.Mutex
	groups   map[string]*GroupMetadata
}

func newMetadataCache() *metadataCache {
	return &metadataCache{
		offsets: make(map[OffsetKey]OffsetValue),
		groups:  make(map[string]*GroupMetadata),
	}
}

// get returns the cached value for key, if any.
func (c *metadataCache) get(key OffsetKey) (OffsetValue, bool) {
	c.offsetsMu.RLock()
	defer c.offsetsMu.RUnlock()
	v, ok := c.offsets[key]
	return v, ok
}

// putIfAbsent inserts value only if key is not already present, reporting
// whether the insert happened. The load pipeline uses this so that a
// stale, lower record earlier in the log can never clobber a value a
// concurrent commit already placed while the load was still replaying.
func (c *metadataCache) putIfAbsent(key OffsetKey, value OffsetValue) bool {
	c.offsetsMu.Lock()
	defer c.offsetsMu.Unlock()
	if _, ok := c.offsets[key]; ok {
		return false
	}
	c.offsets[key] = value
	return true
}

// put unconditionally stores value, overwriting any prior entry.
func (c *metadataCache) put(key OffsetKey, value OffsetValue) {
	c.offsetsMu.Lock()
	defer c.offsetsMu.Unlock()
	c.offsets[key] = value
}

// remove deletes key, reporting whether it was present.
func (c *metadataCache) remove(key OffsetKey) bool {
	c.offsetsMu.Lock()
	defer c.offsetsMu.Unlock()
	if _, ok := c.offsets[key]; !ok {
		return false
	}
	delete(c.offsets, key)
	return true
}

// values snapshots every cached offset entry.
func (c *metadataCache) values() map[OffsetKey]OffsetValue {
	c.offsetsMu.RLock()
	defer c.offsetsMu.RUnlock()
	out := make(map[OffsetKey]OffsetValue, len(c.offsets))
	for k, v := range c.offsets {
		out[k] = v
	}
	return out
}

// filter returns the keys for which pred holds, taken under a single read
// lock so the sweeper sees one consistent snapshot of the map.
func (c *metadataCache) filter(pred func(OffsetKey, OffsetValue) bool) []OffsetKey {
	c.offsetsMu.RLock()
	defer c.offsetsMu.RUnlock()
	var out []OffsetKey
	for k, v := range c.offsets {
		if pred(k, v) {
			out = append(out, k)
		}
	}
	return out
}

// removeAllForOffsetsPartition deletes every cached offset entry whose
// group hashes to offsetsPartition. It is called by the registry's demote
// path while the registry lock is held.
func (c *metadataCache) removeAllForOffsetsPartition(offsetsPartition int32, partitionFor func(string) int32) {
	c.offsetsMu.Lock()
	defer c.offsetsMu.Unlock()
	for k := range c.offsets {
		if partitionFor(k.Group) == offsetsPartition {
			delete(c.offsets, k)
		}
	}
}

// getGroup returns the cached group, if any, without creating it.
func (c *metadataCache) getGroup(groupID string) (*GroupMetadata, bool) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	g, ok := c.groups[groupID]
	return g, ok
}

// addGroup returns the existing group for groupID, or creates and inserts a
// fresh Empty one if none exists yet. The second return value reports
// whether a new group was created.
func (c *metadataCache) addGroup(groupID, protocolType string) (*GroupMetadata, bool) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	if g, ok := c.groups[groupID]; ok {
		return g, false
	}
	g := NewGroupMetadata(groupID, protocolType)
	c.groups[groupID] = g
	return g, true
}

// removeGroup evicts groupID from the cache, but only if the cached entry
// is still expected: the same *GroupMetadata the caller holds the monitor
// for. Per the invariant that a group may only be removed once Dead,
// callers must hold expected.mu and have already verified
// expected.State == GroupStateDead before calling this. A mismatch means
// some other goroutine installed a different object under groupID since
// the caller last looked it up — e.g. a rejoin racing a concurrent
// tombstone — which is a coordination bug serious enough to fail loudly
// rather than silently evict the wrong group, mirroring the identity check
// Kafka's own group metadata cache performs on removal.
func (c *metadataCache) removeGroup(groupID string, expected *GroupMetadata) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	if g, ok := c.groups[groupID]; ok && g != expected {
		panic(fmt.Sprintf("groupmeta: removeGroup(%q): cache entry was replaced since the caller's lookup", groupID))
	}
	delete(c.groups, groupID)
}

// allGroups snapshots every cached group id, for currentGroups and for the
// registry's demote path to find groups that hash to an evicted partition.
func (c *metadataCache) allGroups() []*GroupMetadata {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	out := make([]*GroupMetadata, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	return out
}

// removeGroupsForPartition evicts every group that hashes to
// offsetsPartition. Restricting eviction to groups whose own partitionFor
// matches the partition being demoted is an explicit, intentional
// narrowing of behavior that otherwise evicted every group unconditionally
// on any partition's demotion.
func (c *metadataCache) removeGroupsForPartition(offsetsPartition int32, partitionFor func(string) int32) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	for id := range c.groups {
		if partitionFor(id) == offsetsPartition {
			delete(c.groups, id)
		}
	}
}

// numOffsets and numGroups back the gauges §6 requires be exposed.
func (c *metadataCache) numOffsets() int {
	c.offsetsMu.RLock()
	defer c.offsetsMu.RUnlock()
	return len(c.offsets)
}

func (c *metadataCache) numGroups() int {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	return len(c.groups)
}
