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
	"log/slog"
)

// sweepExpiredOffsets is the C6 collaborator. It runs on the scheduler's
// timer goroutine, never on a request-handling thread. The snapshot-and-
// remove step holds the offset-expire lock for its whole duration so that
// a concurrent commit can never observe a half-evicted set of keys; the
// tombstone appends that follow happen outside the lock, since they only
// need the keys already decided, not the live map.
func (m *Manager) sweepExpiredOffsets(ctx context.Context, nowMs int64) {
	m.cache.offsetsMu.Lock()
	var expired []OffsetKey
	for k, v := range m.cache.offsets {
		if v.ExpireTimestamp < nowMs {
			expired = append(expired, k)
			delete(m.cache.offsets, k)
		}
	}
	m.cache.offsetsMu.Unlock()

	if len(expired) == 0 {
		return
	}

	byPartition := make(map[int32][]KeyValue)
	for _, k := range expired {
		p := m.PartitionFor(k.Group)
		byPartition[p] = append(byPartition[p], KeyValue{Key: EncodeOffsetKey(k)})
	}

	for partition, records := range byPartition {
		partition, records := partition, records
		err := m.replicas.AppendMessages(ctx, AppendRequest{
			TimeoutMs:            m.config.OffsetCommitTimeoutMs,
			RequiredAcks:         0,
			InternalTopicAllowed: true,
			Batches: []AppendBatch{{
				Partition: TopicPartition{Topic: m.config.OffsetsTopic, Partition: partition},
				Records:   records,
			}},
			OnComplete: func(statuses []AppendStatus) {
				for _, s := range statuses {
					if s.Error != StorageNone {
						m.logger.Warn("expiration tombstone append failed",
							slog.Int("partition", int(partition)), slog.Int("code", int(s.Error)))
						return
					}
				}
				m.metrics.TombstonesAppended.Add(float64(len(records)))
			},
		})
		if err != nil {
			// Fire-and-forget: a submission failure here is logged and
			// swallowed, not retried. The keys were already evicted from
			// the cache above, so later sweeps do not see them again.
			m.logger.Warn("expiration tombstone submit failed",
				slog.Int("partition", int(partition)), slog.String("error", err.Error()))
		}
	}
}
