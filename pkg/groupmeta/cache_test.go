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

import "testing"

func TestCacheGetPutRemove(t *testing.T) {
	c := newMetadataCache()
	key := OffsetKey{Group: "g", Topic: "t", Partition: 0}
	if _, ok := c.get(key); ok {
		t.Fatal("empty cache should miss")
	}
	c.put(key, OffsetValue{Offset: 1})
	v, ok := c.get(key)
	if !ok || v.Offset != 1 {
		t.Fatalf("got %+v, %v", v, ok)
	}
	c.put(key, OffsetValue{Offset: 2})
	v, _ = c.get(key)
	if v.Offset != 2 {
		t.Fatalf("put should overwrite, got offset %d", v.Offset)
	}
	if !c.remove(key) {
		t.Fatal("remove should report the key was present")
	}
	if _, ok := c.get(key); ok {
		t.Fatal("removed key should miss")
	}
}

func TestCachePutIfAbsent(t *testing.T) {
	c := newMetadataCache()
	key := OffsetKey{Group: "g", Topic: "t", Partition: 0}
	if !c.putIfAbsent(key, OffsetValue{Offset: 1}) {
		t.Fatal("first putIfAbsent should insert")
	}
	if c.putIfAbsent(key, OffsetValue{Offset: 2}) {
		t.Fatal("second putIfAbsent should not overwrite")
	}
	v, _ := c.get(key)
	if v.Offset != 1 {
		t.Fatalf("offset = %d, want 1", v.Offset)
	}
}

func TestCacheFilter(t *testing.T) {
	c := newMetadataCache()
	c.put(OffsetKey{Group: "g1", Topic: "t", Partition: 0}, OffsetValue{ExpireTimestamp: 10})
	c.put(OffsetKey{Group: "g2", Topic: "t", Partition: 0}, OffsetValue{ExpireTimestamp: 100})
	expired := c.filter(func(_ OffsetKey, v OffsetValue) bool { return v.ExpireTimestamp < 50 })
	if len(expired) != 1 || expired[0].Group != "g1" {
		t.Fatalf("got %+v", expired)
	}
}

func TestCacheGroupLifecycle(t *testing.T) {
	c := newMetadataCache()
	g, created := c.addGroup("g1", "consumer")
	if !created {
		t.Fatal("first addGroup should create")
	}
	again, created := c.addGroup("g1", "consumer")
	if created || again != g {
		t.Fatal("second addGroup should return the existing group")
	}
	if _, ok := c.getGroup("g1"); !ok {
		t.Fatal("group should be present")
	}
	g.Lock()
	g.TransitionTo(GroupStateDead)
	c.removeGroup("g1", g)
	g.Unlock()
	if _, ok := c.getGroup("g1"); ok {
		t.Fatal("group should be gone after removeGroup")
	}
}

func TestCacheRemoveGroupPanicsOnIdentityMismatch(t *testing.T) {
	c := newMetadataCache()
	c.addGroup("g1", "consumer")
	stale := NewGroupMetadata("g1", "consumer")

	defer func() {
		if recover() == nil {
			t.Fatal("removeGroup should panic when the cache entry no longer matches expected")
		}
	}()
	c.removeGroup("g1", stale)
}

func TestCacheRemoveGroupsForPartitionOnlyTargetsMatching(t *testing.T) {
	c := newMetadataCache()
	c.addGroup("g1", "consumer")
	c.addGroup("g2", "consumer")
	partitionFor := func(g string) int32 {
		if g == "g1" {
			return 0
		}
		return 1
	}
	c.removeGroupsForPartition(0, partitionFor)
	if _, ok := c.getGroup("g1"); ok {
		t.Fatal("g1 should have been evicted")
	}
	if _, ok := c.getGroup("g2"); !ok {
		t.Fatal("g2 should not have been evicted")
	}
}
