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
	"fmt"
)

// CommitOffsets is the C5 collaborator's entry point for an offset commit.
// It returns a Kind per requested topic-partition; a commit for a
// partition this node does not own for the group never reaches the append
// engine at all, per the invariant that a non-coordinator never persists or
// serves offsets for a group.
func (m *Manager) CommitOffsets(ctx context.Context, group string, commitTimestamp int64, offsets map[TopicPartition]OffsetValue) (map[TopicPartition]Kind, error) {
	partition := m.PartitionFor(group)
	if !m.registry.isOwned(partition) {
		result := make(map[TopicPartition]Kind, len(offsets))
		for tp := range offsets {
			result[tp] = KindNotCoordinatorForGroup
		}
		return result, nil
	}

	result := make(map[TopicPartition]Kind, len(offsets))
	records, corrected := m.prepareStoreOffsets(group, commitTimestamp, offsets, result)
	if len(records) == 0 {
		return result, nil
	}

	statusCh := make(chan StorageErrorCode, 1)
	err := m.replicas.AppendMessages(ctx, AppendRequest{
		TimeoutMs:            m.config.OffsetCommitTimeoutMs,
		RequiredAcks:         m.config.OffsetCommitRequiredAcks,
		InternalTopicAllowed: true,
		Batches: []AppendBatch{{
			Partition: TopicPartition{Topic: m.config.OffsetsTopic, Partition: partition},
			Records:   records,
		}},
		OnComplete: func(statuses []AppendStatus) {
			code := StorageNone
			for _, s := range statuses {
				if s.Partition.Partition == partition {
					code = s.Error
				}
			}
			if code == StorageNone {
				for tp, v := range corrected {
					if result[tp] == KindNoError {
						m.cache.put(OffsetKey{Group: group, Topic: tp.Topic, Partition: tp.Partition}, v)
					}
				}
			}
			statusCh <- code
		},
	})
	if err != nil {
		return nil, fmt.Errorf("groupmeta: submit offset commit: %w", err)
	}

	select {
	case code := <-statusCh:
		if code != StorageNone {
			kind := TranslateCommitError(code)
			for tp, k := range result {
				if k == KindNoError {
					result[tp] = kind
				}
			}
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prepareStoreOffsets builds the append records for a commit, filtering out
// any entry whose metadata exceeds MaxMetadataSize and recording
// OffsetMetadataTooLarge for it in result instead. Every other entry is
// recorded as KindNoError pending the actual append result. It also returns
// the corrected OffsetValue actually persisted for each kept entry —
// CommitTimestamp set to commitTimestamp and a sentinel ExpireTimestamp
// resolved against OffsetsRetentionMs, mirroring DecodeOffsetValue's own
// normalization — so the cache is populated with the same value a reload
// would produce instead of the caller's raw, unresolved input.
func (m *Manager) prepareStoreOffsets(group string, commitTimestamp int64, offsets map[TopicPartition]OffsetValue, result map[TopicPartition]Kind) ([]KeyValue, map[TopicPartition]OffsetValue) {
	records := make([]KeyValue, 0, len(offsets))
	corrected := make(map[TopicPartition]OffsetValue, len(offsets))
	for tp, v := range offsets {
		if len(v.Metadata) > m.config.MaxMetadataSize {
			result[tp] = KindOffsetMetadataTooLarge
			continue
		}
		v.CommitTimestamp = commitTimestamp
		if v.ExpireTimestamp == SentinelDefaultTimestamp {
			v.ExpireTimestamp = commitTimestamp + m.config.OffsetsRetentionMs
		}
		key := OffsetKey{Group: group, Topic: tp.Topic, Partition: tp.Partition}
		records = append(records, KeyValue{
			Key:   EncodeOffsetKey(key),
			Value: EncodeOffsetValue(v),
		})
		result[tp] = KindNoError
		corrected[tp] = v
	}
	return records, corrected
}

// StoreGroup persists the current state of g. Callers must already hold
// g.mu, since the record written is a snapshot of whatever fields the
// caller just transitioned. There is no cache update on success: g is
// already the object the cache holds, so the membership subsystem's
// mutation under g.mu is already visible to every reader.
func (m *Manager) StoreGroup(ctx context.Context, g *GroupMetadata) error {
	partition := m.PartitionFor(g.GroupID)
	if !m.registry.isOwned(partition) {
		return fmt.Errorf("groupmeta: not coordinator for group %q", g.GroupID)
	}

	members := make([]groupValueMember, 0, len(g.Members))
	for _, mm := range g.Members {
		members = append(members, groupValueMember{
			MemberID:         mm.MemberID,
			ClientID:         mm.ClientID,
			ClientHost:       mm.ClientHost,
			SessionTimeoutMs: mm.SessionTimeoutMs,
			Subscription:     mm.Subscription,
			Assignment:       mm.Assignment,
		})
	}
	value := EncodeGroupValue(g.ProtocolType, g.GenerationID, g.Protocol, g.LeaderID, members)
	key := EncodeGroupKey(GroupKey{Group: g.GroupID})

	return m.appendAndWait(ctx, partition, []KeyValue{{Key: key, Value: value}}, TranslateGroupStoreError)
}

// StoreGroupTombstone appends a null-value record for g and, once the
// append succeeds, evicts it from the cache. Callers must hold g.mu across
// the entire call and must have already transitioned g to Dead under that
// same, uninterrupted hold: releasing the lock between the Dead transition
// and this call would let a concurrent rejoin replace the cache entry
// before the eviction below runs, reviving a group this append is in the
// middle of burying.
func (m *Manager) StoreGroupTombstone(ctx context.Context, g *GroupMetadata) error {
	if g.State != GroupStateDead {
		return fmt.Errorf("groupmeta: StoreGroupTombstone: group %q is not Dead", g.GroupID)
	}
	partition := m.PartitionFor(g.GroupID)
	if !m.registry.isOwned(partition) {
		return fmt.Errorf("groupmeta: not coordinator for group %q", g.GroupID)
	}
	key := EncodeGroupKey(GroupKey{Group: g.GroupID})
	if err := m.appendAndWait(ctx, partition, []KeyValue{{Key: key, Value: nil}}, TranslateGroupStoreError); err != nil {
		return err
	}
	m.cache.removeGroup(g.GroupID, g)
	m.metrics.TombstonesAppended.Inc()
	return nil
}

// appendAndWait submits a single-partition batch and blocks for its
// completion, translating a storage failure through translate. It is the
// shared tail of StoreGroup and StoreGroupTombstone.
func (m *Manager) appendAndWait(ctx context.Context, partition int32, records []KeyValue, translate func(StorageErrorCode) Kind) error {
	statusCh := make(chan StorageErrorCode, 1)
	err := m.replicas.AppendMessages(ctx, AppendRequest{
		TimeoutMs:            m.config.OffsetCommitTimeoutMs,
		RequiredAcks:         m.config.OffsetCommitRequiredAcks,
		InternalTopicAllowed: true,
		Batches: []AppendBatch{{
			Partition: TopicPartition{Topic: m.config.OffsetsTopic, Partition: partition},
			Records:   records,
		}},
		OnComplete: func(statuses []AppendStatus) {
			code := StorageNone
			for _, s := range statuses {
				if s.Partition.Partition == partition {
					code = s.Error
				}
			}
			statusCh <- code
		},
	})
	if err != nil {
		return fmt.Errorf("groupmeta: submit append: %w", err)
	}
	select {
	case code := <-statusCh:
		if code != StorageNone {
			kind := translate(code)
			return fmt.Errorf("groupmeta: append failed: %s", kind)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
