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

package broker

import (
	"context"
	"sync"

	"github.com/novatechflow/offsetkeeper/pkg/groupmeta"
)

// offsetPartitionLog is one partition's view of the internal offsets topic.
// Unlike the client-visible topics, which round-trip through the segment
// cache and S3 using the real Kafka record batch wire format, the offsets
// topic is never fetched by an external client: the group metadata core is
// its only reader and writer. It is kept entirely in memory here, append
// only, guarded by the owning offsetReplicaManager's lock.
type offsetPartitionLog struct {
	base    int64
	records []groupmeta.Record
}

func (l *offsetPartitionLog) BaseOffset() int64 {
	return l.base
}

func (l *offsetPartitionLog) ReadBatch(ctx context.Context, offset int64, maxBytes int) ([]groupmeta.Record, error) {
	if offset < l.base {
		offset = l.base
	}
	start := int(offset - l.base)
	if start < 0 || start >= len(l.records) {
		return nil, nil
	}
	budget := maxBytes
	out := make([]groupmeta.Record, 0, len(l.records)-start)
	for _, r := range l.records[start:] {
		if budget <= 0 && len(out) > 0 {
			break
		}
		out = append(out, r)
		budget -= len(r.Key) + len(r.Value)
	}
	return out, nil
}

// offsetReplicaManager is the groupmeta.ReplicaManager backing the internal
// offsets topic for this broker. It implements the same append/read shape
// the teacher's storage.PartitionLog exposes for client topics, sized down
// to what a single-broker in-memory log needs: no S3 tiering, no segment
// cache, no replication. A multi-broker deployment would swap this for an
// adapter over the replicated log used for client data.
type offsetReplicaManager struct {
	mu   sync.Mutex
	logs map[int32]*offsetPartitionLog
}

func NewOffsetReplicaManager() *offsetReplicaManager {
	return &offsetReplicaManager{logs: make(map[int32]*offsetPartitionLog)}
}

func (m *offsetReplicaManager) logFor(partition int32) *offsetPartitionLog {
	log := m.logs[partition]
	if log == nil {
		log = &offsetPartitionLog{}
		m.logs[partition] = log
	}
	return log
}

func (m *offsetReplicaManager) GetLog(ctx context.Context, partition int32) (groupmeta.Log, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[partition]
	if !ok {
		return nil, false
	}
	return log, true
}

func (m *offsetReplicaManager) HighWatermark(ctx context.Context, partition int32) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[partition]
	if !ok {
		return -1
	}
	return log.base + int64(len(log.records))
}

func (m *offsetReplicaManager) AppendMessages(ctx context.Context, req groupmeta.AppendRequest) error {
	m.mu.Lock()
	statuses := make([]groupmeta.AppendStatus, 0, len(req.Batches))
	for _, batch := range req.Batches {
		log := m.logFor(batch.Partition.Partition)
		for _, kv := range batch.Records {
			offset := log.base + int64(len(log.records))
			log.records = append(log.records, groupmeta.Record{
				Offset:     offset,
				NextOffset: offset + 1,
				Key:        kv.Key,
				Value:      kv.Value,
			})
		}
		statuses = append(statuses, groupmeta.AppendStatus{Partition: batch.Partition, Error: groupmeta.StorageNone})
	}
	m.mu.Unlock()
	if req.OnComplete != nil {
		req.OnComplete(statuses)
	}
	return nil
}

// ensurePartitions makes sure a log exists for every partition in [0, n) so
// GetLog reports local ownership for them immediately after startup, mirroring
// how the real replica manager would have already replicated the topic's
// partitions before the group coordinator promotes any of them.
func (m *offsetReplicaManager) EnsurePartitions(n int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := int32(0); i < n; i++ {
		m.logFor(i)
	}
}
