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

import "sync"

// ownershipState is this node's relationship to one offsets-topic partition.
type ownershipState int

const (
	ownershipUnowned ownershipState = iota
	ownershipLoading
	ownershipOwned
)

// partitionRegistry is the C2 collaborator: the single source of truth for
// which offsets-topic partitions this node currently owns, is loading, or
// has released. Every transition happens under registryMu; demotion evicts
// the affected cache entries while still holding it, which is what lets
// getOffsets and getGroup promise they never return state for a partition
// this node no longer owns (§4.3 "never stale").
type partitionRegistry struct {
	mu     sync.Mutex
	loading map[int32]struct{}
	owned   map[int32]struct{}
}

func newPartitionRegistry() *partitionRegistry {
	return &partitionRegistry{
		loading: make(map[int32]struct{}),
		owned:   make(map[int32]struct{}),
	}
}

func (r *partitionRegistry) state(partition int32) ownershipState {
	if _, ok := r.owned[partition]; ok {
		return ownershipOwned
	}
	if _, ok := r.loading[partition]; ok {
		return ownershipLoading
	}
	return ownershipUnowned
}

// isOwned reports whether partition is fully loaded and owned.
func (r *partitionRegistry) isOwned(partition int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state(partition) == ownershipOwned
}

// isLoading reports whether partition currently has a load job in flight.
func (r *partitionRegistry) isLoading(partition int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state(partition) == ownershipLoading
}

// beginLoad transitions partition from Unowned to Loading. It returns false
// without mutating anything if the partition is already Loading or Owned,
// which is what guarantees at most one load job runs per partition at a
// time.
func (r *partitionRegistry) beginLoad(partition int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state(partition) != ownershipUnowned {
		return false
	}
	r.loading[partition] = struct{}{}
	return true
}

// finishLoad transitions partition from Loading to Owned. Callers reach
// this only from the load pipeline goroutine that won beginLoad; it is not
// meaningful to call it for a partition this node isn't loading.
func (r *partitionRegistry) finishLoad(partition int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, partition)
	r.owned[partition] = struct{}{}
}

// abortLoad transitions partition back to Unowned without ever reaching
// Owned, used when a load job fails or is interrupted by shutdown.
func (r *partitionRegistry) abortLoad(partition int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, partition)
}

// demote transitions partition to Unowned from whatever state it was in
// (Loading or Owned), and invokes evict while still holding the registry
// lock so no concurrent reader can observe a partition as owned after evict
// has run, and no concurrent load can begin until evict has finished.
func (r *partitionRegistry) demote(partition int32, evict func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, partition)
	delete(r.owned, partition)
	if evict != nil {
		evict()
	}
}

// ownedPartitions snapshots the currently owned partition set.
func (r *partitionRegistry) ownedPartitions() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int32, 0, len(r.owned))
	for p := range r.owned {
		out = append(out, p)
	}
	return out
}
