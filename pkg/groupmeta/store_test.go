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
	"strings"
	"testing"
)

// TestCommitOffsetsRejectsOversizeMetadata exercises the §8 S4 case: an
// entry whose metadata exceeds MaxMetadataSize must be reported as
// OffsetMetadataTooLarge and excluded from the append, while the rest of
// the batch still commits normally.
func TestCommitOffsetsRejectsOversizeMetadata(t *testing.T) {
	replicas := newFakeReplicaManager()
	cfg := Config{MaxMetadataSize: 4}
	m := NewManager(cfg, replicas, fakeNaming{}, &fakeScheduler{}, NewMetrics(), nil, 1)
	partition := m.PartitionFor("g1")
	replicas.hw[partition] = 0
	if err := m.Promote(context.Background(), partition); err != nil {
		t.Fatalf("promote: %v", err)
	}

	big := TopicPartition{Topic: "orders", Partition: 0}
	small := TopicPartition{Topic: "orders", Partition: 1}
	result, err := m.CommitOffsets(context.Background(), "g1", 1000, map[TopicPartition]OffsetValue{
		big:   {Offset: 1, Metadata: "this metadata is far too long"},
		small: {Offset: 2, Metadata: "ok"},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result[big] != KindOffsetMetadataTooLarge {
		t.Fatalf("oversize entry kind = %v, want OffsetMetadataTooLarge", result[big])
	}
	if result[small] != KindNoError {
		t.Fatalf("normal entry kind = %v, want NoError", result[small])
	}

	offsets, ok := m.GetOffsets("g1", []TopicPartition{big, small})
	if !ok {
		t.Fatal("expected coordinator after promote")
	}
	if _, present := offsets[big]; present {
		t.Fatal("oversize entry must never reach the cache")
	}
	if offsets[small].Offset != 2 {
		t.Fatalf("kept entry offset = %d, want 2", offsets[small].Offset)
	}
}

// TestCommitOffsetsCachesCorrectedValueNotRawInput guards against the
// cache being populated from the caller's raw OffsetValue: after a
// successful commit the cached CommitTimestamp must be the actual commit
// time, and a sentinel ExpireTimestamp must already be resolved against
// OffsetsRetentionMs, exactly as a reload from disk would produce.
func TestCommitOffsetsCachesCorrectedValueNotRawInput(t *testing.T) {
	replicas := newFakeReplicaManager()
	cfg := Config{OffsetsRetentionMs: 9000}
	m := NewManager(cfg, replicas, fakeNaming{}, &fakeScheduler{}, NewMetrics(), nil, 1)
	partition := m.PartitionFor("g1")
	replicas.hw[partition] = 0
	if err := m.Promote(context.Background(), partition); err != nil {
		t.Fatalf("promote: %v", err)
	}

	tp := TopicPartition{Topic: "orders", Partition: 0}
	_, err := m.CommitOffsets(context.Background(), "g1", 1000, map[TopicPartition]OffsetValue{
		tp: {Offset: 1, ExpireTimestamp: SentinelDefaultTimestamp},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	offsets, ok := m.GetOffsets("g1", []TopicPartition{tp})
	if !ok {
		t.Fatal("expected coordinator after promote")
	}
	got := offsets[tp]
	if got.CommitTimestamp != 1000 {
		t.Fatalf("cached CommitTimestamp = %d, want 1000", got.CommitTimestamp)
	}
	if got.ExpireTimestamp != 1000+cfg.OffsetsRetentionMs {
		t.Fatalf("cached ExpireTimestamp = %d, want %d", got.ExpireTimestamp, 1000+cfg.OffsetsRetentionMs)
	}
}

// TestCommitOffsetsTranslatesStorageError is the §8 S5 case: a storage
// failure on the append must surface through CommitOffsets translated by
// TranslateCommitError, and must never populate the cache.
func TestCommitOffsetsTranslatesStorageError(t *testing.T) {
	replicas := newFakeReplicaManager()
	m := newTestManager(replicas, &fakeScheduler{}, 1)
	partition := m.PartitionFor("g1")
	replicas.hw[partition] = 0
	if err := m.Promote(context.Background(), partition); err != nil {
		t.Fatalf("promote: %v", err)
	}
	replicas.fail[partition] = StorageNotLeaderForPartition

	tp := TopicPartition{Topic: "orders", Partition: 0}
	result, err := m.CommitOffsets(context.Background(), "g1", 1000, map[TopicPartition]OffsetValue{
		tp: {Offset: 1},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	want := TranslateCommitError(StorageNotLeaderForPartition)
	if result[tp] != want {
		t.Fatalf("commit kind = %v, want %v", result[tp], want)
	}
	offsets, _ := m.GetOffsets("g1", []TopicPartition{tp})
	if _, present := offsets[tp]; present {
		t.Fatalf("a failed append must not populate the cache")
	}
}

// TestStoreGroupTombstoneTranslatesStorageError covers the group-store
// side of §8 S5: a storage failure on the tombstone append must surface
// as an error built from TranslateGroupStoreError, and the group must
// remain evictable afterward (the append failing does not leave the
// group stuck Dead-but-cached forever; a later retry can still tombstone
// it).
func TestStoreGroupTombstoneTranslatesStorageError(t *testing.T) {
	replicas := newFakeReplicaManager()
	m := newTestManager(replicas, &fakeScheduler{}, 1)
	partition := m.PartitionFor("g1")
	replicas.hw[partition] = 0
	if err := m.Promote(context.Background(), partition); err != nil {
		t.Fatalf("promote: %v", err)
	}

	g, ok := m.EnsureGroup("g1", "consumer")
	if !ok {
		t.Fatal("expected coordinator for g1")
	}
	g.Lock()
	g.TransitionTo(GroupStateDead)
	g.Unlock()

	replicas.fail[partition] = StorageNotLeaderForPartition
	g.Lock()
	err := m.StoreGroupTombstone(context.Background(), g)
	g.Unlock()
	if err == nil {
		t.Fatal("expected an error when the tombstone append fails")
	}
	wantKind := TranslateGroupStoreError(StorageNotLeaderForPartition)
	if !strings.Contains(err.Error(), wantKind.String()) {
		t.Fatalf("error %q does not mention translated kind %v", err, wantKind)
	}
	if _, ok := m.GetGroup("g1"); !ok {
		t.Fatal("group must still be present in the cache after a failed tombstone append")
	}

	delete(replicas.fail, partition)
	g.Lock()
	err = m.StoreGroupTombstone(context.Background(), g)
	g.Unlock()
	if err != nil {
		t.Fatalf("retry tombstone: %v", err)
	}
	if _, ok := m.GetGroup("g1"); ok {
		t.Fatal("group should be gone after a successful tombstone append")
	}
}
