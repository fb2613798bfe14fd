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

	"github.com/novatechflow/offsetkeeper/pkg/metadata"
)

// storeNamingService answers the group metadata core's partition-assignment
// lookups from the cluster metadata store that already tracks topic layout.
type storeNamingService struct {
	store metadata.Store
}

func NewStoreNamingService(store metadata.Store) storeNamingService {
	return storeNamingService{store: store}
}

func (n storeNamingService) PartitionAssignmentForTopics(ctx context.Context, topics []string) (map[string][]int32, error) {
	meta, err := n.store.Metadata(ctx, topics)
	if err != nil {
		return nil, err
	}
	assignments := make(map[string][]int32, len(meta.Topics))
	for _, topic := range meta.Topics {
		partitions := make([]int32, 0, len(topic.Partitions))
		for _, part := range topic.Partitions {
			partitions = append(partitions, part.PartitionIndex)
		}
		assignments[topic.Name] = partitions
	}
	return assignments, nil
}
