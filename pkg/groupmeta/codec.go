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
	"encoding/binary"
	"fmt"
)

// Key schema versions. 0 and 1 both decode to OffsetKey; 2 decodes to
// GroupKey. Anything else is a fatal decode error.
const (
	keyVersionOffsetV0 uint16 = 0
	keyVersionOffsetV1 uint16 = 1
	keyVersionGroup    uint16 = 2
)

// Offset value schema versions.
const (
	valueVersionOffsetV0 uint16 = 0
	valueVersionOffsetV1 uint16 = 1
)

// Group value schema version.
const valueVersionGroupV0 uint16 = 0

// SentinelDefaultTimestamp marks "no explicit expire timestamp" in a v1
// OffsetValue, mirroring the sentinel Kafka's own offset-commit wire format
// used before brokers computed expiry from retention.ms server-side. The
// value must never change once persisted records exist with it baked in.
const SentinelDefaultTimestamp int64 = -1

type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(b []byte) *byteReader {
	return &byteReader{buf: b}
}

func (r *byteReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *byteReader) read(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("groupmeta: insufficient bytes: need %d have %d", n, r.remaining())
	}
	start := r.pos
	r.pos += n
	return r.buf[start:r.pos], nil
}

func (r *byteReader) uint16() (uint16, error) {
	b, err := r.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *byteReader) int32() (int32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *byteReader) int64() (int64, error) {
	b, err := r.read(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *byteReader) string() (string, error) {
	l, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.read(int(l))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) bytes() ([]byte, error) {
	l, err := r.int32()
	if err != nil {
		return nil, err
	}
	if l < 0 {
		return nil, fmt.Errorf("groupmeta: negative bytes length %d", l)
	}
	if l == 0 {
		return nil, nil
	}
	b, err := r.read(int(l))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

type byteWriter struct {
	buf []byte
}

func newByteWriter(capacity int) *byteWriter {
	return &byteWriter{buf: make([]byte, 0, capacity)}
}

func (w *byteWriter) write(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *byteWriter) uint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.write(tmp[:])
}

func (w *byteWriter) int32(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	w.write(tmp[:])
}

func (w *byteWriter) int64(v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	w.write(tmp[:])
}

func (w *byteWriter) string(v string) {
	if len(v) > 0x7fff {
		panic("groupmeta: string too long for int16 length prefix")
	}
	w.uint16(uint16(len(v)))
	w.write([]byte(v))
}

func (w *byteWriter) bytes(b []byte) {
	w.int32(int32(len(b)))
	w.write(b)
}

func (w *byteWriter) bytesOut() []byte {
	return w.buf
}

// OffsetKey identifies one committed offset: a consumer group's position on
// one topic-partition.
type OffsetKey struct {
	Group     string
	Topic     string
	Partition int32
}

// GroupKey identifies a consumer group's persisted metadata record.
type GroupKey struct {
	Group string
}

// EncodeOffsetKey serializes k at the current key schema version.
func EncodeOffsetKey(k OffsetKey) []byte {
	w := newByteWriter(2 + 2 + len(k.Group) + 2 + len(k.Topic) + 4)
	w.uint16(keyVersionOffsetV1)
	w.string(k.Group)
	w.string(k.Topic)
	w.int32(k.Partition)
	return w.bytesOut()
}

// EncodeGroupKey serializes k.
func EncodeGroupKey(k GroupKey) []byte {
	w := newByteWriter(2 + 2 + len(k.Group))
	w.uint16(keyVersionGroup)
	w.string(k.Group)
	return w.bytesOut()
}

// DecodedKey is the tagged-union result of decoding a record key: dispatch
// is on Version, never on a Go type switch, matching the wire format's own
// polymorphism.
type DecodedKey struct {
	Version uint16
	Offset  OffsetKey
	Group   GroupKey
}

// IsOffsetKey reports whether the decoded key is an OffsetKey.
func (d DecodedKey) IsOffsetKey() bool {
	return d.Version == keyVersionOffsetV0 || d.Version == keyVersionOffsetV1
}

// IsGroupKey reports whether the decoded key is a GroupKey.
func (d DecodedKey) IsGroupKey() bool {
	return d.Version == keyVersionGroup
}

// DecodeKey decodes a record key of any supported version. A version
// outside {0,1,2} is a fatal decode error per the compacted-log key schema.
func DecodeKey(data []byte) (DecodedKey, error) {
	r := newByteReader(data)
	version, err := r.uint16()
	if err != nil {
		return DecodedKey{}, fmt.Errorf("groupmeta: decode key version: %w", err)
	}
	switch version {
	case keyVersionOffsetV0, keyVersionOffsetV1:
		group, err := r.string()
		if err != nil {
			return DecodedKey{}, fmt.Errorf("groupmeta: decode offset key group: %w", err)
		}
		topic, err := r.string()
		if err != nil {
			return DecodedKey{}, fmt.Errorf("groupmeta: decode offset key topic: %w", err)
		}
		partition, err := r.int32()
		if err != nil {
			return DecodedKey{}, fmt.Errorf("groupmeta: decode offset key partition: %w", err)
		}
		return DecodedKey{Version: version, Offset: OffsetKey{Group: group, Topic: topic, Partition: partition}}, nil
	case keyVersionGroup:
		group, err := r.string()
		if err != nil {
			return DecodedKey{}, fmt.Errorf("groupmeta: decode group key: %w", err)
		}
		return DecodedKey{Version: version, Group: GroupKey{Group: group}}, nil
	default:
		return DecodedKey{}, fmt.Errorf("groupmeta: unsupported key schema version %d", version)
	}
}

// OffsetValue is the last committed position of a group on one partition.
type OffsetValue struct {
	Offset          int64
	Metadata        string
	CommitTimestamp int64
	ExpireTimestamp int64
}

// EncodeOffsetValue serializes v at v1, the version writers always emit.
func EncodeOffsetValue(v OffsetValue) []byte {
	w := newByteWriter(2 + 8 + 2 + len(v.Metadata) + 8 + 8)
	w.uint16(valueVersionOffsetV1)
	w.int64(v.Offset)
	w.string(v.Metadata)
	w.int64(v.CommitTimestamp)
	w.int64(v.ExpireTimestamp)
	return w.bytesOut()
}

// DecodeOffsetValue decodes an offset value of any supported version,
// normalizing the expire timestamp per §4.1: a v0 record has none and gets
// commitTimestamp+retentionMs; a v1 record carrying the sentinel gets the
// same substitution.
func DecodeOffsetValue(data []byte, retentionMs int64) (OffsetValue, error) {
	r := newByteReader(data)
	version, err := r.uint16()
	if err != nil {
		return OffsetValue{}, fmt.Errorf("groupmeta: decode offset value version: %w", err)
	}
	offset, err := r.int64()
	if err != nil {
		return OffsetValue{}, fmt.Errorf("groupmeta: decode offset value offset: %w", err)
	}
	metadata, err := r.string()
	if err != nil {
		return OffsetValue{}, fmt.Errorf("groupmeta: decode offset value metadata: %w", err)
	}
	switch version {
	case valueVersionOffsetV0:
		timestamp, err := r.int64()
		if err != nil {
			return OffsetValue{}, fmt.Errorf("groupmeta: decode offset value v0 timestamp: %w", err)
		}
		return OffsetValue{
			Offset:          offset,
			Metadata:        metadata,
			CommitTimestamp: timestamp,
			ExpireTimestamp: timestamp + retentionMs,
		}, nil
	case valueVersionOffsetV1:
		commitTimestamp, err := r.int64()
		if err != nil {
			return OffsetValue{}, fmt.Errorf("groupmeta: decode offset value v1 commit timestamp: %w", err)
		}
		expireTimestamp, err := r.int64()
		if err != nil {
			return OffsetValue{}, fmt.Errorf("groupmeta: decode offset value v1 expire timestamp: %w", err)
		}
		if expireTimestamp == SentinelDefaultTimestamp {
			expireTimestamp = commitTimestamp + retentionMs
		}
		return OffsetValue{
			Offset:          offset,
			Metadata:        metadata,
			CommitTimestamp: commitTimestamp,
			ExpireTimestamp: expireTimestamp,
		}, nil
	default:
		return OffsetValue{}, fmt.Errorf("groupmeta: unsupported offset value schema version %d", version)
	}
}

// groupValueMember mirrors the wire layout of one member inside a v0 group
// value record; MemberMetadata (types.go) is the cache-facing shape.
type groupValueMember struct {
	MemberID         string
	ClientID         string
	ClientHost       string
	SessionTimeoutMs int32
	Subscription     []byte
	Assignment       []byte
}

// EncodeGroupValue serializes g at v0, the only group value schema version.
// The subscription bytes recorded for each member are whatever metadata the
// membership subsystem attached for the group's currently selected protocol.
func EncodeGroupValue(protocolType string, generation int32, protocolName string, leaderID string, members []groupValueMember) []byte {
	w := newByteWriter(64 + len(members)*64)
	w.uint16(valueVersionGroupV0)
	w.string(protocolType)
	w.int32(generation)
	w.string(protocolName)
	w.string(leaderID)
	w.int32(int32(len(members)))
	for _, m := range members {
		w.string(m.MemberID)
		w.string(m.ClientID)
		w.string(m.ClientHost)
		w.int32(m.SessionTimeoutMs)
		w.bytes(m.Subscription)
		w.bytes(m.Assignment)
	}
	return w.bytesOut()
}

type decodedGroupValue struct {
	ProtocolType string
	Generation   int32
	Protocol     string
	LeaderID     string
	Members      []groupValueMember
}

// DecodeGroupValue decodes a v0 group value record.
func DecodeGroupValue(data []byte) (decodedGroupValue, error) {
	r := newByteReader(data)
	version, err := r.uint16()
	if err != nil {
		return decodedGroupValue{}, fmt.Errorf("groupmeta: decode group value version: %w", err)
	}
	if version != valueVersionGroupV0 {
		return decodedGroupValue{}, fmt.Errorf("groupmeta: unsupported group value schema version %d", version)
	}
	protocolType, err := r.string()
	if err != nil {
		return decodedGroupValue{}, fmt.Errorf("groupmeta: decode group protocol type: %w", err)
	}
	generation, err := r.int32()
	if err != nil {
		return decodedGroupValue{}, fmt.Errorf("groupmeta: decode group generation: %w", err)
	}
	protocolName, err := r.string()
	if err != nil {
		return decodedGroupValue{}, fmt.Errorf("groupmeta: decode group protocol: %w", err)
	}
	leaderID, err := r.string()
	if err != nil {
		return decodedGroupValue{}, fmt.Errorf("groupmeta: decode group leader: %w", err)
	}
	count, err := r.int32()
	if err != nil {
		return decodedGroupValue{}, fmt.Errorf("groupmeta: decode group member count: %w", err)
	}
	if count < 0 {
		return decodedGroupValue{}, fmt.Errorf("groupmeta: negative group member count %d", count)
	}
	members := make([]groupValueMember, 0, count)
	for i := int32(0); i < count; i++ {
		memberID, err := r.string()
		if err != nil {
			return decodedGroupValue{}, fmt.Errorf("groupmeta: decode member id: %w", err)
		}
		clientID, err := r.string()
		if err != nil {
			return decodedGroupValue{}, fmt.Errorf("groupmeta: decode member client id: %w", err)
		}
		clientHost, err := r.string()
		if err != nil {
			return decodedGroupValue{}, fmt.Errorf("groupmeta: decode member client host: %w", err)
		}
		sessionTimeout, err := r.int32()
		if err != nil {
			return decodedGroupValue{}, fmt.Errorf("groupmeta: decode member session timeout: %w", err)
		}
		subscription, err := r.bytes()
		if err != nil {
			return decodedGroupValue{}, fmt.Errorf("groupmeta: decode member subscription: %w", err)
		}
		assignment, err := r.bytes()
		if err != nil {
			return decodedGroupValue{}, fmt.Errorf("groupmeta: decode member assignment: %w", err)
		}
		members = append(members, groupValueMember{
			MemberID:         memberID,
			ClientID:         clientID,
			ClientHost:       clientHost,
			SessionTimeoutMs: sessionTimeout,
			Subscription:     subscription,
			Assignment:       assignment,
		})
	}
	return decodedGroupValue{
		ProtocolType: protocolType,
		Generation:   generation,
		Protocol:     protocolName,
		LeaderID:     leaderID,
		Members:      members,
	}, nil
}
