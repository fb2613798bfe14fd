// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
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
	"testing"
	"time"

	"github.com/novatechflow/offsetkeeper/pkg/groupmeta"
	"github.com/novatechflow/offsetkeeper/pkg/metadata"
	"github.com/novatechflow/offsetkeeper/pkg/protocol"
)

type fakeLog struct {
	base    int64
	records []groupmeta.Record
}

func (l *fakeLog) BaseOffset() int64 { return l.base }

func (l *fakeLog) ReadBatch(ctx context.Context, offset int64, maxBytes int) ([]groupmeta.Record, error) {
	var out []groupmeta.Record
	for _, r := range l.records {
		if r.Offset >= offset {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *fakeLog) append(key, value []byte) {
	offset := l.base + int64(len(l.records))
	l.records = append(l.records, groupmeta.Record{Offset: offset, NextOffset: offset + 1, Key: key, Value: value})
}

type fakeReplicaManager struct {
	mu   sync.Mutex
	logs map[int32]*fakeLog
	hw   map[int32]int64
}

func newFakeReplicaManager() *fakeReplicaManager {
	return &fakeReplicaManager{logs: make(map[int32]*fakeLog), hw: make(map[int32]int64)}
}

func (f *fakeReplicaManager) GetLog(ctx context.Context, partition int32) (groupmeta.Log, bool) {
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

func (f *fakeReplicaManager) AppendMessages(ctx context.Context, req groupmeta.AppendRequest) error {
	f.mu.Lock()
	statuses := make([]groupmeta.AppendStatus, 0, len(req.Batches))
	for _, b := range req.Batches {
		l := f.logs[b.Partition.Partition]
		if l == nil {
			l = &fakeLog{}
			f.logs[b.Partition.Partition] = l
		}
		for _, kv := range b.Records {
			l.append(kv.Key, kv.Value)
		}
		f.hw[b.Partition.Partition] = l.base + int64(len(l.records))
		statuses = append(statuses, groupmeta.AppendStatus{Partition: b.Partition, Error: groupmeta.StorageNone})
	}
	f.mu.Unlock()
	if req.OnComplete != nil {
		req.OnComplete(statuses)
	}
	return nil
}

type fakeScheduler struct{}

func (fakeScheduler) Schedule(name string, periodMs int64, fn func()) func() { return func() {} }

type fakeNaming struct{}

func (fakeNaming) PartitionAssignmentForTopics(ctx context.Context, topics []string) (map[string][]int32, error) {
	return nil, nil
}

func newTestCoordinator(t *testing.T) (*GroupCoordinator, *groupmeta.Manager) {
	t.Helper()
	store := metadata.NewInMemoryStore(metadata.ClusterMetadata{})
	replicas := newFakeReplicaManager()
	replicas.hw[0] = 0
	manager := groupmeta.NewManager(groupmeta.Config{}, replicas, fakeNaming{}, fakeScheduler{}, nil, nil, 1)
	if err := manager.Promote(context.Background(), 0); err != nil {
		t.Fatalf("promote: %v", err)
	}
	coord := NewGroupCoordinator(store, manager, protocol.MetadataBroker{NodeID: 1, Host: "127.0.0.1", Port: 9092}, nil)
	t.Cleanup(coord.Stop)
	return coord, manager
}

func TestConsumerGroupTimeoutPersistence(t *testing.T) {
	now := time.Now().UTC()
	state := &groupState{
		protocolName:     "range",
		protocolType:     "consumer",
		generationID:     2,
		leaderID:         "member-1",
		state:            groupStateStable,
		members:          make(map[string]*memberState),
		assignments:      make(map[string][]assignmentTopic),
		rebalanceTimeout: 45 * time.Second,
	}
	state.members["member-1"] = &memberState{
		topics:         []string{"orders"},
		sessionTimeout: 20 * time.Second,
		lastHeartbeat:  now,
		joinGeneration: 2,
	}

	g := groupmeta.NewGroupMetadata("group-1", state.protocolType)
	g.GenerationID = state.generationID
	g.Protocol = state.protocolName
	g.LeaderID = state.leaderID
	g.TransitionTo(groupPhaseToCoreState(state.state))
	g.Members["member-1"] = &groupmeta.MemberMetadata{
		MemberID:         "member-1",
		SessionTimeoutMs: int32(state.members["member-1"].sessionTimeout / time.Millisecond),
		Subscription:     encodeSubscription(state.members["member-1"].topics),
		Assignment:       encodeAssignment(nil),
	}

	restored := restoreGroupState(g)
	if restored.rebalanceTimeout != defaultRebalanceTimeout {
		t.Fatalf("restoreGroupState should fall back to the default rebalance timeout, got %s", restored.rebalanceTimeout)
	}
	restoredMember := restored.members["member-1"]
	if restoredMember == nil {
		t.Fatalf("expected restored member")
	}
	if restoredMember.sessionTimeout != 20*time.Second {
		t.Fatalf("expected session timeout 20s got %s", restoredMember.sessionTimeout)
	}
	if len(restoredMember.topics) != 1 || restoredMember.topics[0] != "orders" {
		t.Fatalf("expected restored subscription [orders], got %v", restoredMember.topics)
	}
}

func TestCoordinatorListDescribeGroups(t *testing.T) {
	coord, manager := newTestCoordinator(t)
	g, ok := manager.EnsureGroup("group-1", "consumer")
	if !ok {
		t.Fatal("expected coordinator to own group-1's partition")
	}
	g.Lock()
	g.Protocol = "range"
	g.Members["member-1"] = &groupmeta.MemberMetadata{MemberID: "member-1", ClientID: "client-1", ClientHost: "127.0.0.1"}
	g.TransitionTo(groupmeta.GroupStateStable)
	err := manager.StoreGroup(context.Background(), g)
	g.Unlock()
	if err != nil {
		t.Fatalf("StoreGroup: %v", err)
	}

	listResp, err := coord.ListGroups(context.Background(), &protocol.ListGroupsRequest{
		StatesFilter: []string{"Stable"},
		TypesFilter:  []string{"classic"},
	}, 1)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(listResp.Groups) != 1 || listResp.Groups[0].GroupID != "group-1" {
		t.Fatalf("unexpected list response: %#v", listResp.Groups)
	}

	describeResp, err := coord.DescribeGroups(context.Background(), &protocol.DescribeGroupsRequest{
		Groups: []string{"group-1"},
	}, 2)
	if err != nil {
		t.Fatalf("DescribeGroups: %v", err)
	}
	if len(describeResp.Groups) != 1 || describeResp.Groups[0].State != "Stable" {
		t.Fatalf("unexpected describe response: %#v", describeResp.Groups)
	}
	if len(describeResp.Groups[0].Members) != 1 || describeResp.Groups[0].Members[0].ClientID != "client-1" {
		t.Fatalf("unexpected describe members: %#v", describeResp.Groups[0].Members)
	}
}

func TestCoordinatorDeleteGroups(t *testing.T) {
	coord, manager := newTestCoordinator(t)
	g, ok := manager.EnsureGroup("group-1", "consumer")
	if !ok {
		t.Fatal("expected coordinator to own group-1's partition")
	}
	g.Lock()
	err := manager.StoreGroup(context.Background(), g)
	g.Unlock()
	if err != nil {
		t.Fatalf("StoreGroup: %v", err)
	}

	resp, err := coord.DeleteGroups(context.Background(), &protocol.DeleteGroupsRequest{
		Groups: []string{"group-1", "missing"},
	}, 3)
	if err != nil {
		t.Fatalf("DeleteGroups: %v", err)
	}
	if len(resp.Groups) != 2 {
		t.Fatalf("unexpected delete response: %#v", resp.Groups)
	}
	if resp.Groups[0].ErrorCode != protocol.NONE {
		t.Fatalf("expected delete success: %#v", resp.Groups[0])
	}
	if resp.Groups[1].ErrorCode != protocol.GROUP_ID_NOT_FOUND {
		t.Fatalf("expected group not found: %#v", resp.Groups[1])
	}
	if _, ok := manager.GetGroup("group-1"); ok {
		t.Fatalf("expected group-1 evicted after delete")
	}
}

func TestCoordinatorOffsetCommitAndFetch(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	commitResp, err := coord.OffsetCommit(context.Background(), &protocol.OffsetCommitRequest{
		GroupID: "group-1",
		Topics: []protocol.OffsetCommitTopic{
			{Name: "orders", Partitions: []protocol.OffsetCommitPartition{{Partition: 0, Offset: 42, Metadata: "x"}}},
		},
	}, 4)
	if err != nil {
		t.Fatalf("OffsetCommit: %v", err)
	}
	if len(commitResp.Topics) != 1 || commitResp.Topics[0].Partitions[0].ErrorCode != protocol.NONE {
		t.Fatalf("unexpected commit response: %#v", commitResp.Topics)
	}

	fetchResp, err := coord.OffsetFetch(context.Background(), &protocol.OffsetFetchRequest{
		GroupID: "group-1",
		Topics: []protocol.OffsetFetchTopic{
			{Name: "orders", Partitions: []protocol.OffsetFetchPartition{{Partition: 0}}},
		},
	}, 5)
	if err != nil {
		t.Fatalf("OffsetFetch: %v", err)
	}
	if len(fetchResp.Topics) != 1 || fetchResp.Topics[0].Partitions[0].Offset != 42 {
		t.Fatalf("unexpected fetch response: %#v", fetchResp.Topics)
	}
}
