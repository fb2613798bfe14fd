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

// GroupState is the membership subsystem's view of a group's lifecycle.
// Empty precedes PreparingRebalance; it is not one of the four states the
// membership protocol transitions between, but addGroup constructs groups
// in it.
type GroupState int

const (
	GroupStateEmpty GroupState = iota
	GroupStatePreparingRebalance
	GroupStateAwaitingSync
	GroupStateStable
	GroupStateDead
)

func (s GroupState) String() string {
	switch s {
	case GroupStateEmpty:
		return "Empty"
	case GroupStatePreparingRebalance:
		return "PreparingRebalance"
	case GroupStateAwaitingSync:
		return "AwaitingSync"
	case GroupStateStable:
		return "Stable"
	case GroupStateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// MemberMetadata describes one group member as tracked by the membership
// subsystem. The core treats it as an opaque value; it never interprets
// Subscription or Assignment.
type MemberMetadata struct {
	MemberID         string
	ClientID         string
	ClientHost       string
	SessionTimeoutMs int32
	Subscription     []byte
	Assignment       []byte
}

// GroupMetadata is mutated only while its monitor is held. The monitor is
// co-located with the value (not a separate collection) per the design's
// "group-state monitor" note: the membership subsystem holds it across a
// rebalance's transitions, and the core holds it for removeGroup and while
// the load pipeline applies a replayed group record.
type GroupMetadata struct {
	mu sync.Mutex

	GroupID      string
	ProtocolType string
	GenerationID int32
	Protocol     string
	LeaderID     string
	State        GroupState
	Members      map[string]*MemberMetadata
}

// NewGroupMetadata constructs an empty group, as addGroup does on first
// lookup.
func NewGroupMetadata(groupID, protocolType string) *GroupMetadata {
	return &GroupMetadata{
		GroupID:      groupID,
		ProtocolType: protocolType,
		State:        GroupStateEmpty,
		Members:      make(map[string]*MemberMetadata),
	}
}

// Lock acquires the group monitor. Callers performing a state transition or
// calling removeGroup must hold it for the duration.
func (g *GroupMetadata) Lock() {
	g.mu.Lock()
}

// Unlock releases the group monitor.
func (g *GroupMetadata) Unlock() {
	g.mu.Unlock()
}

// TransitionTo moves the group to state. Callers must hold the monitor.
func (g *GroupMetadata) TransitionTo(state GroupState) {
	g.State = state
}

// Add inserts or replaces a member. Callers must hold the monitor.
func (g *GroupMetadata) Add(memberID string, member *MemberMetadata) {
	if g.Members == nil {
		g.Members = make(map[string]*MemberMetadata)
	}
	g.Members[memberID] = member
}

// AllMemberMetadata snapshots the group's current members. Callers must
// hold the monitor.
func (g *GroupMetadata) AllMemberMetadata() []MemberMetadata {
	out := make([]MemberMetadata, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, *m)
	}
	return out
}

// clone returns a deep copy suitable for returning to callers that must not
// observe subsequent mutation (e.g. currentGroups snapshots). The monitor
// itself is not copied; the clone is a fresh, unlocked value.
func (g *GroupMetadata) clone() *GroupMetadata {
	members := make(map[string]*MemberMetadata, len(g.Members))
	for id, m := range g.Members {
		copied := *m
		members[id] = &copied
	}
	return &GroupMetadata{
		GroupID:      g.GroupID,
		ProtocolType: g.ProtocolType,
		GenerationID: g.GenerationID,
		Protocol:     g.Protocol,
		LeaderID:     g.LeaderID,
		State:        g.State,
		Members:      members,
	}
}

// TopicPartition names one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}
