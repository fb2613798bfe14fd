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
	"context"
	"testing"
)

func TestPartitionForIsDeterministic(t *testing.T) {
	a := partitionFor("orders-consumer", 50)
	b := partitionFor("orders-consumer", 50)
	if a != b {
		t.Fatalf("partitionFor should be deterministic, got %d then %d", a, b)
	}
	if a < 0 || a >= 50 {
		t.Fatalf("partitionFor out of range: %d", a)
	}
}

func TestPartitionForDistributesAcrossPartitions(t *testing.T) {
	seen := make(map[int32]bool)
	for i := 0; i < 200; i++ {
		p := partitionFor(string(rune('a'+i%26))+string(rune('A'+i%13)), 8)
		seen[p] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected groups to spread across more than one partition, got %v", seen)
	}
}

func TestFetchNotCoordinatorReturnsNoState(t *testing.T) {
	m := newTestManager(newFakeReplicaManager(), &fakeScheduler{}, 1)
	if _, ok := m.GetOffsets("g1", []TopicPartition{{Topic: "orders", Partition: 0}}); ok {
		t.Fatal("fetch on an unowned partition must never return state")
	}
}

func TestCommitOffsetsNotCoordinator(t *testing.T) {
	m := newTestManager(newFakeReplicaManager(), &fakeScheduler{}, 1)
	result, err := m.CommitOffsets(context.Background(), "g1", 1000, map[TopicPartition]OffsetValue{
		{Topic: "orders", Partition: 0}: {Offset: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result[TopicPartition{Topic: "orders", Partition: 0}] != KindNotCoordinatorForGroup {
		t.Fatalf("got %v, want NotCoordinatorForGroup", result)
	}
}

func TestCommitAndFetchRoundTrip(t *testing.T) {
	replicas := newFakeReplicaManager()
	m := newTestManager(replicas, &fakeScheduler{}, 1)
	partition := m.PartitionFor("g1")
	replicas.hw[partition] = 0
	if err := m.Promote(context.Background(), partition); err != nil {
		t.Fatalf("promote: %v", err)
	}

	tp := TopicPartition{Topic: "orders", Partition: 0}
	result, err := m.CommitOffsets(context.Background(), "g1", 1000, map[TopicPartition]OffsetValue{tp: {Offset: 42, Metadata: "x"}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result[tp] != KindNoError {
		t.Fatalf("commit kind = %v, want NoError", result[tp])
	}

	offsets, ok := m.GetOffsets("g1", []TopicPartition{tp})
	if !ok {
		t.Fatal("expected this node to be coordinator after promote")
	}
	if offsets[tp].Offset != 42 {
		t.Fatalf("fetched offset = %d, want 42", offsets[tp].Offset)
	}
}

func TestPromoteWithNoLocalLeaderStaysUnowned(t *testing.T) {
	replicas := newFakeReplicaManager()
	m := newTestManager(replicas, &fakeScheduler{}, 1)
	if err := m.Promote(context.Background(), 0); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if m.IsCoordinatorFor("g1") {
		t.Fatal("a partition with hw=-1 (no local leader) must not become Owned")
	}
}

// TestLoadReplaysCompactedLog is the §8 "load equals compaction" property:
// a tombstone following a value for the same key must leave the key absent
// from the resulting cache.
func TestLoadReplaysCompactedLog(t *testing.T) {
	replicas := newFakeReplicaManager()
	m := newTestManager(replicas, &fakeScheduler{}, 1)
	partition := m.PartitionFor("g1")

	key1 := EncodeOffsetKey(OffsetKey{Group: "g1", Topic: "orders", Partition: 0})
	key2 := EncodeOffsetKey(OffsetKey{Group: "g1", Topic: "orders", Partition: 1})
	log := &fakeLog{}
	appendRecord(log, key1, EncodeOffsetValue(OffsetValue{Offset: 1}))
	appendRecord(log, key1, EncodeOffsetValue(OffsetValue{Offset: 2}))
	appendRecord(log, key2, EncodeOffsetValue(OffsetValue{Offset: 9}))
	appendRecord(log, key2, nil)
	replicas.logs[partition] = log
	replicas.hw[partition] = int64(len(log.records))

	if err := m.Promote(context.Background(), partition); err != nil {
		t.Fatalf("promote: %v", err)
	}

	offsets, ok := m.GetOffsets("g1", []TopicPartition{{Topic: "orders", Partition: 0}, {Topic: "orders", Partition: 1}})
	if !ok {
		t.Fatal("expected coordinator after promote")
	}
	if offsets[TopicPartition{Topic: "orders", Partition: 0}].Offset != 2 {
		t.Fatalf("expected last-writer-wins value 2, got %+v", offsets)
	}
	if _, present := offsets[TopicPartition{Topic: "orders", Partition: 1}]; present {
		t.Fatal("tombstoned key must not survive replay")
	}
}

func TestDemoteEvictsOwnedState(t *testing.T) {
	replicas := newFakeReplicaManager()
	m := newTestManager(replicas, &fakeScheduler{}, 1)
	partition := m.PartitionFor("g1")
	replicas.hw[partition] = 0
	m.Promote(context.Background(), partition)
	tp := TopicPartition{Topic: "orders", Partition: 0}
	m.CommitOffsets(context.Background(), "g1", 1000, map[TopicPartition]OffsetValue{tp: {Offset: 1}})

	m.Demote(partition)

	if m.IsCoordinatorFor("g1") {
		t.Fatal("should not be coordinator after demote")
	}
	if _, ok := m.GetOffsets("g1", []TopicPartition{tp}); ok {
		t.Fatal("demoted partition must never answer a fetch")
	}
}

func TestSweeperExpiresAndTombstones(t *testing.T) {
	replicas := newFakeReplicaManager()
	sched := &fakeScheduler{}
	m := newTestManager(replicas, sched, 1)
	partition := m.PartitionFor("g1")
	replicas.hw[partition] = 0
	m.Promote(context.Background(), partition)

	key := OffsetKey{Group: "g1", Topic: "orders", Partition: 0}
	m.cache.put(key, OffsetValue{Offset: 1, ExpireTimestamp: 100})

	m.sweepExpiredOffsets(context.Background(), 500)

	if _, ok := m.cache.get(key); ok {
		t.Fatal("expired offset should have been evicted")
	}
	log, ok := replicas.GetLog(context.Background(), partition)
	if !ok {
		t.Fatal("expected a tombstone appended to the partition log")
	}
	fl := log.(*fakeLog)
	last := fl.records[len(fl.records)-1]
	if last.Value != nil {
		t.Fatal("sweeper should append a tombstone (nil value)")
	}
}

func TestShutdownDemotesEveryOwnedPartition(t *testing.T) {
	replicas := newFakeReplicaManager()
	m := newTestManager(replicas, &fakeScheduler{}, 2)
	replicas.hw[0] = 0
	replicas.hw[1] = 0
	m.Promote(context.Background(), 0)
	m.Promote(context.Background(), 1)

	m.Shutdown()

	if len(m.OwnedPartitions()) != 0 {
		t.Fatalf("expected no owned partitions after shutdown, got %v", m.OwnedPartitions())
	}
}
