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
	"sync"
	"testing"
)

func TestRegistryPromotionLifecycle(t *testing.T) {
	r := newPartitionRegistry()
	if r.state(1) != ownershipUnowned {
		t.Fatalf("new partition should be Unowned")
	}
	if !r.beginLoad(1) {
		t.Fatal("beginLoad should succeed from Unowned")
	}
	if r.state(1) != ownershipLoading {
		t.Fatalf("state = %v, want Loading", r.state(1))
	}
	r.finishLoad(1)
	if r.state(1) != ownershipOwned {
		t.Fatalf("state = %v, want Owned", r.state(1))
	}
	evicted := false
	r.demote(1, func() { evicted = true })
	if r.state(1) != ownershipUnowned {
		t.Fatalf("state = %v, want Unowned after demote", r.state(1))
	}
	if !evicted {
		t.Fatal("demote should invoke the eviction callback")
	}
}

// TestRegistryAtMostOneLoadPerPartition is the §8 property: a second
// beginLoad for a partition already Loading or Owned must fail.
func TestRegistryAtMostOneLoadPerPartition(t *testing.T) {
	r := newPartitionRegistry()
	if !r.beginLoad(3) {
		t.Fatal("first beginLoad should succeed")
	}
	if r.beginLoad(3) {
		t.Fatal("second beginLoad while Loading should fail")
	}
	r.finishLoad(3)
	if r.beginLoad(3) {
		t.Fatal("beginLoad while Owned should fail")
	}
}

func TestRegistryAbortLoadReturnsToUnowned(t *testing.T) {
	r := newPartitionRegistry()
	r.beginLoad(2)
	r.abortLoad(2)
	if r.state(2) != ownershipUnowned {
		t.Fatalf("state = %v, want Unowned after abort", r.state(2))
	}
	if !r.beginLoad(2) {
		t.Fatal("beginLoad should succeed again after abort")
	}
}

func TestRegistryConcurrentBeginLoadIsExclusive(t *testing.T) {
	r := newPartitionRegistry()
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.beginLoad(9) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning beginLoad, got %d", wins)
	}
}
