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
	"reflect"
	"testing"
)

func TestOffsetKeyRoundTrip(t *testing.T) {
	k := OffsetKey{Group: "g1", Topic: "orders", Partition: 7}
	decoded, err := DecodeKey(EncodeOffsetKey(k))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.IsOffsetKey() || decoded.Offset != k {
		t.Fatalf("got %+v, want offset key %+v", decoded, k)
	}
}

func TestGroupKeyRoundTrip(t *testing.T) {
	k := GroupKey{Group: "consumers"}
	decoded, err := DecodeKey(EncodeGroupKey(k))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.IsGroupKey() || decoded.Group != k {
		t.Fatalf("got %+v, want group key %+v", decoded, k)
	}
}

func TestDecodeKeyRejectsUnknownVersion(t *testing.T) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, 99)
	if _, err := DecodeKey(buf); err == nil {
		t.Fatal("expected error for unsupported key version")
	}
}

// TestOffsetKeyV0Compatible verifies a legacy v0-schema key (identical wire
// layout to v1, differing only in the version field) still decodes, which
// is what lets this core read offsets committed before v1 existed.
func TestOffsetKeyV0Compatible(t *testing.T) {
	w := newByteWriter(32)
	w.uint16(keyVersionOffsetV0)
	w.string("g1")
	w.string("orders")
	w.int32(3)
	decoded, err := DecodeKey(w.bytesOut())
	if err != nil {
		t.Fatalf("decode v0: %v", err)
	}
	want := OffsetKey{Group: "g1", Topic: "orders", Partition: 3}
	if !decoded.IsOffsetKey() || decoded.Offset != want {
		t.Fatalf("got %+v, want %+v", decoded, want)
	}
}

func TestOffsetValueRoundTrip(t *testing.T) {
	v := OffsetValue{Offset: 42, Metadata: "m", CommitTimestamp: 1000, ExpireTimestamp: 2000}
	decoded, err := DecodeOffsetValue(EncodeOffsetValue(v), 5000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != v {
		t.Fatalf("got %+v, want %+v", decoded, v)
	}
}

func TestOffsetValueV1SentinelUsesRetention(t *testing.T) {
	v := OffsetValue{Offset: 1, CommitTimestamp: 1000, ExpireTimestamp: SentinelDefaultTimestamp}
	decoded, err := DecodeOffsetValue(EncodeOffsetValue(v), 5000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ExpireTimestamp != 6000 {
		t.Fatalf("expire timestamp = %d, want 6000", decoded.ExpireTimestamp)
	}
}

func TestOffsetValueV0DerivesExpireFromRetention(t *testing.T) {
	w := newByteWriter(32)
	w.uint16(valueVersionOffsetV0)
	w.int64(7)
	w.string("")
	w.int64(1000)
	decoded, err := DecodeOffsetValue(w.bytesOut(), 5000)
	if err != nil {
		t.Fatalf("decode v0: %v", err)
	}
	if decoded.ExpireTimestamp != 6000 {
		t.Fatalf("expire timestamp = %d, want 6000", decoded.ExpireTimestamp)
	}
}

func TestGroupValueRoundTrip(t *testing.T) {
	members := []groupValueMember{
		{MemberID: "m1", ClientID: "c1", ClientHost: "h1", SessionTimeoutMs: 30000, Subscription: []byte{1, 2}, Assignment: []byte{3}},
		{MemberID: "m2", ClientID: "c2", ClientHost: "h2", SessionTimeoutMs: 10000},
	}
	data := EncodeGroupValue("consumer", 5, "range", "m1", members)
	decoded, err := DecodeGroupValue(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ProtocolType != "consumer" || decoded.Generation != 5 || decoded.Protocol != "range" || decoded.LeaderID != "m1" {
		t.Fatalf("unexpected header: %+v", decoded)
	}
	if len(decoded.Members) != 2 || !reflect.DeepEqual(decoded.Members[0], members[0]) || !reflect.DeepEqual(decoded.Members[1], members[1]) {
		t.Fatalf("got members %+v, want %+v", decoded.Members, members)
	}
}

func TestGroupValueEmptyBytesFieldDecodesNil(t *testing.T) {
	members := []groupValueMember{{MemberID: "m1"}}
	decoded, err := DecodeGroupValue(EncodeGroupValue("consumer", 1, "", "m1", members))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Members[0].Subscription != nil {
		t.Fatalf("expected nil subscription for zero-length bytes, got %v", decoded.Members[0].Subscription)
	}
}
