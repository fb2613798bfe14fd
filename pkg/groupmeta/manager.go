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

// Package groupmeta is the group-and-offset metadata manager: it owns the
// committed-offset and consumer-group state that the membership protocol
// and the offset-commit/fetch request handlers both depend on, keeps a
// subset of the compacted offsets topic mirrored in memory per partition
// this node coordinates, and expires old offsets on a timer. It speaks to
// the replication engine, the naming service, and the scheduler only
// through the interfaces in interfaces.go; it never touches a network
// socket and never participates in partition replication itself.
package groupmeta

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Manager is the C7 collaborator: the lifecycle and lookup surface every
// other part of the broker calls into. It composes the registry (C2), the
// cache (C3), and the load/store/sweep pipelines (C4-C6) behind a single
// set of locks acquired in the fixed order registry -> offset-expire ->
// group monitor.
type Manager struct {
	config   Config
	replicas ReplicaManager
	naming   NamingService
	sched    Scheduler
	logger   *slog.Logger
	metrics  *Metrics

	registry *partitionRegistry
	cache    *metadataCache

	numPartitions int32

	shutdownOnce sync.Once
	cancelSweep  func()
	stopped      chan struct{}
}

// NewManager constructs a Manager. numPartitions is the offsets topic's
// partition count as currently known to the naming service; callers
// refresh it via SetPartitionCount if the topic is resized.
func NewManager(cfg Config, replicas ReplicaManager, naming NamingService, sched Scheduler, metrics *Metrics, logger *slog.Logger, numPartitions int32) *Manager {
	cfg = cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if numPartitions <= 0 {
		numPartitions = cfg.OffsetsTopicNumPartitions
	}
	m := &Manager{
		config:        cfg,
		replicas:      replicas,
		naming:        naming,
		sched:         sched,
		logger:        logger,
		metrics:       metrics,
		registry:      newPartitionRegistry(),
		cache:         newMetadataCache(),
		numPartitions: numPartitions,
		stopped:       make(chan struct{}),
	}
	m.resolvePartitionCount(context.Background())
	if sched != nil {
		m.cancelSweep = sched.Schedule("offset-expire-sweep", cfg.OffsetsRetentionCheckIntervalMs, m.runSweepTick)
	}
	return m
}

// resolvePartitionCount asks the naming service for the offsets topic's
// current partition assignment, per §6, and adopts it via SetPartitionCount
// when the topic is known. It falls back to keeping whatever count the
// constructor was given (the statically configured OffsetsTopicNumPartitions)
// when naming is nil, the lookup fails, or the topic is unknown to it, which
// is the common case for an internal topic a cluster metadata store never
// registered.
func (m *Manager) resolvePartitionCount(ctx context.Context) {
	if m.naming == nil {
		return
	}
	assignments, err := m.naming.PartitionAssignmentForTopics(ctx, []string{m.config.OffsetsTopic})
	if err != nil {
		m.logger.Warn("offsets topic partition lookup failed, keeping configured count",
			"topic", m.config.OffsetsTopic, "error", err)
		return
	}
	if partitions, ok := assignments[m.config.OffsetsTopic]; ok && len(partitions) > 0 {
		m.SetPartitionCount(int32(len(partitions)))
	}
}

func (m *Manager) runSweepTick() {
	select {
	case <-m.stopped:
		return
	default:
	}
	m.sweepExpiredOffsets(context.Background(), nowMillis())
	m.metrics.NumOffsets.Set(float64(m.cache.numOffsets()))
	m.metrics.NumGroups.Set(float64(m.cache.numGroups()))
}

// PartitionFor is the pure function §4.7 and §8 require be deterministic
// and stable across nodes: abs(hash(group)) mod numPartitions. The hash is
// 64-bit xxhash, not Go's built-in map hash (which is randomized per
// process and would make every node disagree about which partition owns a
// given group).
func (m *Manager) PartitionFor(group string) int32 {
	return partitionFor(group, m.numPartitions)
}

func partitionFor(group string, numPartitions int32) int32 {
	if numPartitions <= 0 {
		return 0
	}
	h := xxhash.Sum64String(group)
	mod := int64(h % uint64(numPartitions))
	if mod < 0 {
		mod = -mod
	}
	return int32(mod)
}

// SetPartitionCount updates the offsets topic partition count used by
// PartitionFor, as reported by the naming service.
func (m *Manager) SetPartitionCount(n int32) {
	if n > 0 {
		m.numPartitions = n
	}
}

// Promote makes this node the coordinator for partition: it replays the
// partition's log into the cache and marks it Owned. It is safe to call
// repeatedly; a partition already Loading or Owned is a no-op.
func (m *Manager) Promote(ctx context.Context, partition int32) error {
	return m.loadPartition(ctx, partition)
}

// Demote releases coordination of partition, evicting every cached offset
// and group that hashes to it. Eviction happens while the registry lock is
// still held, which is what lets GetOffsets and GetGroup guarantee they
// never observe stale state for a partition this node no longer owns.
func (m *Manager) Demote(partition int32) {
	m.registry.demote(partition, func() {
		m.cache.removeAllForOffsetsPartition(partition, m.PartitionFor)
		m.cache.removeGroupsForPartition(partition, m.PartitionFor)
	})
}

// IsCoordinatorFor reports whether this node currently owns (fully loaded,
// not merely loading) the partition that group hashes to.
func (m *Manager) IsCoordinatorFor(group string) bool {
	return m.registry.isOwned(m.PartitionFor(group))
}

// GetOffsets implements the three-branch lookup in §4.3: a group whose
// partition this node doesn't own never returns cached state, regardless
// of whether that state happens to still be sitting in the map; a known
// topic-partition returns its cached value; anything else is simply
// absent from the result, which callers read as "no committed offset".
func (m *Manager) GetOffsets(group string, topics []TopicPartition) (map[TopicPartition]OffsetValue, bool) {
	partition := m.PartitionFor(group)
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	if m.registry.state(partition) != ownershipOwned {
		return nil, false
	}
	out := make(map[TopicPartition]OffsetValue, len(topics))
	for _, tp := range topics {
		if v, ok := m.cache.get(OffsetKey{Group: group, Topic: tp.Topic, Partition: tp.Partition}); ok {
			out[tp] = v
		}
	}
	return out, true
}

// GetGroup returns the cached group and whether this node is its
// coordinator. A caller must not trust a group object handed back when ok
// is false: it may be read concurrently with an in-flight demotion.
func (m *Manager) GetGroup(groupID string) (*GroupMetadata, bool) {
	if !m.IsCoordinatorFor(groupID) {
		return nil, false
	}
	g, found := m.cache.getGroup(groupID)
	return g, found
}

// EnsureGroup returns the cached group for groupID, creating an Empty one
// if this node is coordinator and none exists yet. ok is false if this
// node is not coordinator for groupID.
func (m *Manager) EnsureGroup(groupID, protocolType string) (*GroupMetadata, bool) {
	if !m.IsCoordinatorFor(groupID) {
		return nil, false
	}
	g, _ := m.cache.addGroup(groupID, protocolType)
	return g, true
}

// CurrentGroups snapshots every group this node currently has cached,
// regardless of state. Each returned value is a detached clone; mutating
// it has no effect on the live cache.
func (m *Manager) CurrentGroups() []*GroupMetadata {
	live := m.cache.allGroups()
	out := make([]*GroupMetadata, 0, len(live))
	for _, g := range live {
		g.Lock()
		clone := g.clone()
		g.Unlock()
		out = append(out, clone)
	}
	return out
}

// OwnedPartitions lists the offsets-topic partitions this node currently
// owns.
func (m *Manager) OwnedPartitions() []int32 {
	return m.registry.ownedPartitions()
}

// Shutdown stops the expiration sweeper and releases every owned
// partition. It is explicit about ordering, rather than leaving shutdown
// behavior implicit: the scheduler is stopped first so no new sweep can
// start, then every owned partition is demoted (evicting its cache
// entries), and only then does Shutdown return. It does not wait for
// in-flight appends submitted before the call; those complete or fail on
// their own and their callbacks run regardless.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.stopped)
		if m.cancelSweep != nil {
			m.cancelSweep()
		}
		for _, p := range m.registry.ownedPartitions() {
			m.Demote(p)
		}
	})
}
