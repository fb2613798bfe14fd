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

package metadata

import "testing"

func TestKeyBuilders(t *testing.T) {
	if got := TopicConfigKey("orders"); got != "/kafscale/topics/orders/config" {
		t.Fatalf("unexpected topic config key: %s", got)
	}

	if got := PartitionStateKey("orders", 1); got != "/kafscale/topics/orders/partitions/1" {
		t.Fatalf("unexpected partition key: %s", got)
	}

	if got := BrokerRegistrationKey("broker-1"); got != "/kafscale/brokers/broker-1" {
		t.Fatalf("unexpected broker key: %s", got)
	}

	if got := PartitionAssignmentKey("orders", 2); got != "/kafscale/assignments/orders/2" {
		t.Fatalf("unexpected assignment key: %s", got)
	}
}
