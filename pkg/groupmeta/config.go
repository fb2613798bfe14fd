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

import "time"

// DefaultOffsetsTopic is the internal compacted topic name used unless a
// deployment configures a different one.
const DefaultOffsetsTopic = "__consumer_offsets"

// Config holds every tunable enumerated in §6. Zero-value fields are
// replaced by their documented default in NewManager via normalize.
type Config struct {
	OffsetsTopic                 string
	OffsetsTopicNumPartitions    int32
	OffsetsTopicCompressionCodec string
	OffsetCommitTimeoutMs        int64
	OffsetCommitRequiredAcks     int16
	LoadBufferSize               int
	OffsetsRetentionMs           int64
	OffsetsRetentionCheckIntervalMs int64
	MaxMetadataSize              int
}

func (c Config) normalize() Config {
	if c.OffsetsTopic == "" {
		c.OffsetsTopic = DefaultOffsetsTopic
	}
	if c.OffsetsTopicNumPartitions <= 0 {
		c.OffsetsTopicNumPartitions = 50
	}
	if c.OffsetsTopicCompressionCodec == "" {
		c.OffsetsTopicCompressionCodec = "none"
	}
	if c.OffsetCommitTimeoutMs <= 0 {
		c.OffsetCommitTimeoutMs = 5000
	}
	if c.OffsetCommitRequiredAcks == 0 {
		c.OffsetCommitRequiredAcks = -1
	}
	if c.LoadBufferSize <= 0 {
		c.LoadBufferSize = 1 << 20
	}
	if c.OffsetsRetentionMs <= 0 {
		c.OffsetsRetentionMs = int64(7 * 24 * time.Hour / time.Millisecond)
	}
	if c.OffsetsRetentionCheckIntervalMs <= 0 {
		c.OffsetsRetentionCheckIntervalMs = int64(10 * time.Minute / time.Millisecond)
	}
	if c.MaxMetadataSize <= 0 {
		c.MaxMetadataSize = 4096
	}
	return c
}

// RetentionCheckInterval is OffsetsRetentionCheckIntervalMs as a duration.
func (c Config) RetentionCheckInterval() time.Duration {
	return time.Duration(c.OffsetsRetentionCheckIntervalMs) * time.Millisecond
}
