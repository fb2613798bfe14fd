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

import "errors"

// Kind is one of the abstract error names §7 defines for this core. It is
// deliberately not a wire-protocol error code; translating Kind to a
// protocol-specific code is the wire-codec collaborator's job.
type Kind int

const (
	KindNoError Kind = iota
	KindGroupCoordinatorNotAvailable
	KindNotCoordinatorForGroup
	KindInvalidCommitOffsetSize
	KindOffsetMetadataTooLarge
	KindUnknown
	// KindNoOffset is not an error; it marks the absence of a cached offset
	// for a requested topic-partition.
	KindNoOffset
)

func (k Kind) String() string {
	switch k {
	case KindNoError:
		return "NoError"
	case KindGroupCoordinatorNotAvailable:
		return "GroupCoordinatorNotAvailable"
	case KindNotCoordinatorForGroup:
		return "NotCoordinatorForGroup"
	case KindInvalidCommitOffsetSize:
		return "InvalidCommitOffsetSize"
	case KindOffsetMetadataTooLarge:
		return "OffsetMetadataTooLarge"
	case KindNoOffset:
		return "NoOffset"
	default:
		return "Unknown"
	}
}

// StorageErrorCode classifies the error an append to the offsets topic can
// fail with, as reported by the ReplicaManager collaborator.
type StorageErrorCode int

const (
	StorageNone StorageErrorCode = iota
	StorageUnknownTopicOrPartition
	StorageNotLeaderForPartition
	StorageMessageSizeTooLarge
	StorageMessageSetSizeTooLarge
	StorageInvalidFetchSize
	StorageOther
)

// TranslateCommitError maps a storage-append error to the Kind reported in
// an offset-commit response, per the §7 translation table.
func TranslateCommitError(code StorageErrorCode) Kind {
	switch code {
	case StorageNone:
		return KindNoError
	case StorageUnknownTopicOrPartition:
		return KindGroupCoordinatorNotAvailable
	case StorageNotLeaderForPartition:
		return KindNotCoordinatorForGroup
	case StorageMessageSizeTooLarge, StorageMessageSetSizeTooLarge, StorageInvalidFetchSize:
		return KindInvalidCommitOffsetSize
	default:
		return KindUnknown
	}
}

// TranslateGroupStoreError maps a storage-append error to the Kind reported
// when persisting group metadata, per the §7 translation table. Unlike
// offset commits, oversized batches surface as Unknown rather than a
// dedicated size error.
func TranslateGroupStoreError(code StorageErrorCode) Kind {
	switch code {
	case StorageNone:
		return KindNoError
	case StorageUnknownTopicOrPartition:
		return KindGroupCoordinatorNotAvailable
	case StorageNotLeaderForPartition:
		return KindNotCoordinatorForGroup
	case StorageMessageSizeTooLarge, StorageMessageSetSizeTooLarge, StorageInvalidFetchSize:
		return KindUnknown
	default:
		return KindUnknown
	}
}

// ErrInvariantViolation is the error returned (and logged as fatal) when a
// completion callback observes a shape the core never expects, such as a
// status map covering more than one partition for a single-partition
// append. These indicate a bug in the caller, not a runtime condition to
// recover from.
var ErrInvariantViolation = errors.New("groupmeta: invariant violation")
