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
	"sync"
)

// fakeLog is an in-memory stand-in for the replication engine's per-
// partition log view, used to exercise the load pipeline without a real
// storage layer.
type fakeLog struct {
	base    int64
	records []Record
}

func (l *fakeLog) BaseOffset() int64 { return l.base }

func (l *fakeLog) ReadBatch(ctx context.Context, offset int64, maxBytes int) ([]Record, error) {
	var out []Record
	for _, r := range l.records {
		if r.Offset >= offset {
			out = append(out, r)
		}
	}
	return out, nil
}

func appendRecord(l *fakeLog, key, value []byte) {
	offset := l.base + int64(len(l.records))
	l.records = append(l.records, Record{Offset: offset, NextOffset: offset + 1, Key: key, Value: value})
}

// fakeReplicaManager is an in-memory ReplicaManager that appends
// synchronously: AppendMessages writes straight into the matching fakeLog
// and invokes OnComplete before returning.
type fakeReplicaManager struct {
	mu    sync.Mutex
	logs  map[int32]*fakeLog
	hw    map[int32]int64
	fail  map[int32]StorageErrorCode
}

func newFakeReplicaManager() *fakeReplicaManager {
	return &fakeReplicaManager{logs: make(map[int32]*fakeLog), hw: make(map[int32]int64), fail: make(map[int32]StorageErrorCode)}
}

func (f *fakeReplicaManager) GetLog(ctx context.Context, partition int32) (Log, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[partition]
	return l, ok
}

func (f *fakeReplicaManager) HighWatermark(ctx context.Context, partition int32) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hw, ok := f.hw[partition]; ok {
		return hw
	}
	return -1
}

func (f *fakeReplicaManager) AppendMessages(ctx context.Context, req AppendRequest) error {
	f.mu.Lock()
	statuses := make([]AppendStatus, 0, len(req.Batches))
	for _, b := range req.Batches {
		code := f.fail[b.Partition.Partition]
		if code == StorageNone {
			l := f.logs[b.Partition.Partition]
			if l == nil {
				l = &fakeLog{}
				f.logs[b.Partition.Partition] = l
			}
			for _, kv := range b.Records {
				appendRecord(l, kv.Key, kv.Value)
			}
			f.hw[b.Partition.Partition] = l.base + int64(len(l.records))
		}
		statuses = append(statuses, AppendStatus{Partition: b.Partition, Error: code})
	}
	f.mu.Unlock()
	if req.OnComplete != nil {
		req.OnComplete(statuses)
	}
	return nil
}

// fakeScheduler captures the scheduled function instead of running it on a
// timer, so tests can invoke it deterministically.
type fakeScheduler struct {
	fn        func()
	cancelled bool
}

func (s *fakeScheduler) Schedule(name string, periodMs int64, fn func()) func() {
	s.fn = fn
	return func() { s.cancelled = true }
}

type fakeNaming struct{}

func (fakeNaming) PartitionAssignmentForTopics(ctx context.Context, topics []string) (map[string][]int32, error) {
	return nil, nil
}

func newTestManager(replicas *fakeReplicaManager, sched *fakeScheduler, numPartitions int32) *Manager {
	return NewManager(Config{}, replicas, fakeNaming{}, sched, NewMetrics(), nil, numPartitions)
}
