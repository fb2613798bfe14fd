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

import "context"

// Record is one length-delimited entry read back from the offsets topic.
// Offset is this record's own log offset; NextOffset is where the reader
// should resume. Key is always present; Value is nil for a tombstone.
type Record struct {
	Offset     int64
	NextOffset int64
	Key        []byte
	Value      []byte
}

// Log is the read side of one offsets-topic partition, as exposed by the
// replication/append engine. It is a thin view, not the full storage
// engine: the core only ever reads forward from a starting offset.
type Log interface {
	// BaseOffset is the first offset present in the log's earliest segment.
	BaseOffset() int64
	// ReadBatch returns the records starting at offset, up to maxBytes of
	// underlying storage. It returns io.EOF-equivalent by returning an empty
	// slice when offset has reached the end of what is currently readable.
	ReadBatch(ctx context.Context, offset int64, maxBytes int) ([]Record, error)
}

// AppendStatus is the per-partition result of an append, as reported by the
// completion callback.
type AppendStatus struct {
	Partition TopicPartition
	Error     StorageErrorCode
}

// AppendBatch is a set of key/value records destined for one partition of
// the offsets topic. A nil Value in any Records entry is a tombstone.
type AppendBatch struct {
	Partition TopicPartition
	Records   []KeyValue
}

// KeyValue is a single record's serialized key and value (nil value =
// tombstone) destined for the log.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// AppendRequest is handed to the ReplicaManager's AppendMessages. Submission
// is a non-blocking hand-off: AppendMessages returns once the batches are
// queued, and OnComplete runs later, on whatever thread the append engine
// uses to signal completion.
type AppendRequest struct {
	TimeoutMs            int64
	RequiredAcks         int16
	InternalTopicAllowed bool
	Batches              []AppendBatch
	OnComplete           func(statuses []AppendStatus)
}

// ReplicaManager is the replication/append engine collaborator: out of
// scope for this core, consumed only through this interface.
type ReplicaManager interface {
	// GetLog resolves the log for one offsets-topic partition. ok is false
	// if the partition has no local log (not yet created, or not locally
	// replicated).
	GetLog(ctx context.Context, partition int32) (Log, bool)
	// HighWatermark returns the current leader high-watermark for the
	// partition, or -1 if there is no local leader replica.
	HighWatermark(ctx context.Context, partition int32) int64
	// AppendMessages submits req for asynchronous append. It returns
	// immediately; req.OnComplete is invoked once the append completes
	// (successfully or not) on a goroutine the manager does not control.
	AppendMessages(ctx context.Context, req AppendRequest) error
}

// NamingService is the cluster/topic discovery collaborator.
type NamingService interface {
	// PartitionAssignmentForTopics returns, for each requested topic, the
	// partition ids currently assigned. A topic absent from the result is
	// unknown to the naming service.
	PartitionAssignmentForTopics(ctx context.Context, topics []string) (map[string][]int32, error)
}

// Scheduler is the broker-wide periodic task executor collaborator.
type Scheduler interface {
	// Schedule runs fn every periodMs, starting after the first interval
	// elapses. It returns a cancel function that stops future runs; it
	// does not interrupt a run already in progress.
	Schedule(name string, periodMs int64, fn func()) (cancel func())
}
