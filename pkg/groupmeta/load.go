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
	"fmt"
	"log/slog"
)

// loadPartition is the C4 collaborator: replaying one offsets-topic
// partition's compacted log into the cache and promoting it to Owned. It
// is invoked by the lifecycle thread (manager.Promote) whenever this node
// becomes coordinator for partition, and runs to completion on the calling
// goroutine; the manager is responsible for not blocking the request path
// on it.
func (m *Manager) loadPartition(ctx context.Context, partition int32) error {
	if !m.registry.beginLoad(partition) {
		// Already Loading or Owned; a second promotion for the same
		// partition is a no-op, per "at most one load job per partition".
		return nil
	}

	hw := m.replicas.HighWatermark(ctx, partition)
	if hw == -1 {
		// No local leader: nothing to replay. The partition stays Unowned
		// rather than Owned, since this node cannot actually serve it.
		m.registry.abortLoad(partition)
		return nil
	}

	logReader, ok := m.replicas.GetLog(ctx, partition)
	if !ok {
		// No local log yet: nothing to replay, so the partition becomes
		// Owned with no cached state.
		m.logger.Warn("no local log for offsets partition", slog.Int("partition", int(partition)))
		m.registry.finishLoad(partition)
		return nil
	}

	// The offset-expire lock is released before every registry transition
	// below, keeping the registry -> offset-expire acquisition order.
	m.cache.offsetsMu.Lock()

	offset := logReader.BaseOffset()
	for offset < hw {
		batch, err := logReader.ReadBatch(ctx, offset, m.config.LoadBufferSize)
		if err != nil {
			m.cache.offsetsMu.Unlock()
			m.registry.abortLoad(partition)
			return fmt.Errorf("groupmeta: read offsets partition %d at %d: %w", partition, offset, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			if err := m.replayRecord(rec); err != nil {
				m.cache.offsetsMu.Unlock()
				m.registry.abortLoad(partition)
				return fmt.Errorf("groupmeta: decode record at offset %d in partition %d: %w", rec.Offset, partition, err)
			}
			m.metrics.RecordsReplayed.Inc()
			offset = rec.NextOffset
		}
	}
	m.cache.offsetsMu.Unlock()

	m.registry.finishLoad(partition)
	m.logger.Info("loaded offsets partition", slog.Int("partition", int(partition)), slog.Int64("highWatermark", hw))
	return nil
}

// replayRecord decodes one record from the offsets topic and applies it to
// the cache directly, without going through putIfAbsent: within a single
// forward replay of a compacted log, the last record for a key is always
// the newest, so an unconditional overwrite is correct and is what makes
// replay equivalent to compaction. The caller holds the offset-expire lock,
// so offset entries are written to the map without taking it again.
func (m *Manager) replayRecord(rec Record) error {
	decoded, err := DecodeKey(rec.Key)
	if err != nil {
		return err
	}
	switch {
	case decoded.IsOffsetKey():
		if rec.Value == nil {
			delete(m.cache.offsets, decoded.Offset)
			return nil
		}
		value, err := DecodeOffsetValue(rec.Value, m.config.OffsetsRetentionMs)
		if err != nil {
			return err
		}
		m.cache.offsets[decoded.Offset] = value
		return nil
	case decoded.IsGroupKey():
		if rec.Value == nil {
			if g, ok := m.cache.getGroup(decoded.Group.Group); ok {
				g.Lock()
				g.TransitionTo(GroupStateDead)
				m.cache.removeGroup(decoded.Group.Group, g)
				g.Unlock()
			}
			return nil
		}
		value, err := DecodeGroupValue(rec.Value)
		if err != nil {
			return err
		}
		g, _ := m.cache.addGroup(decoded.Group.Group, value.ProtocolType)
		g.Lock()
		g.ProtocolType = value.ProtocolType
		g.GenerationID = value.Generation
		g.Protocol = value.Protocol
		g.LeaderID = value.LeaderID
		g.Members = make(map[string]*MemberMetadata, len(value.Members))
		for _, mv := range value.Members {
			g.Members[mv.MemberID] = &MemberMetadata{
				MemberID:         mv.MemberID,
				ClientID:         mv.ClientID,
				ClientHost:       mv.ClientHost,
				SessionTimeoutMs: mv.SessionTimeoutMs,
				Subscription:     mv.Subscription,
				Assignment:       mv.Assignment,
			}
		}
		g.TransitionTo(GroupStateStable)
		g.Unlock()
		return nil
	default:
		return fmt.Errorf("groupmeta: key decoded to neither offset nor group (version %d)", decoded.Version)
	}
}
