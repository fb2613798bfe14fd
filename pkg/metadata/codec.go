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

import (
	"fmt"
)

const (
	topicConfigPrefix      = "/kafscale/topics"
	brokerRegistrationPath = "/kafscale/brokers"
	assignmentPath         = "/kafscale/assignments"
)

// TopicConfigKey returns the etcd key for a topic configuration object.
func TopicConfigKey(topic string) string {
	return fmt.Sprintf("%s/%s/config", topicConfigPrefix, topic)
}

// PartitionStateKey returns the etcd key for a partition state object.
func PartitionStateKey(topic string, partition int32) string {
	return fmt.Sprintf("%s/%s/partitions/%d", topicConfigPrefix, topic, partition)
}

// BrokerRegistrationKey returns the etcd key for broker liveness data.
func BrokerRegistrationKey(brokerID string) string {
	return fmt.Sprintf("%s/%s", brokerRegistrationPath, brokerID)
}

// PartitionAssignmentKey returns the etcd key for the current leader assignment.
func PartitionAssignmentKey(topic string, partition int32) string {
	return fmt.Sprintf("%s/%s/%d", assignmentPath, topic, partition)
}
