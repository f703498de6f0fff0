package protov1

import (
	"time"
)

type ProtocolKind int32

const (
	ProtocolKind_PROTOCOL_KIND_UNSPECIFIED     ProtocolKind = 0
	ProtocolKind_PROTOCOL_KIND_CHANNEL_NET     ProtocolKind = 1
	ProtocolKind_PROTOCOL_KIND_SIDECHAIN       ProtocolKind = 2
	ProtocolKind_PROTOCOL_KIND_ASSET_OVERLAY   ProtocolKind = 3
	ProtocolKind_PROTOCOL_KIND_ORACLE_CONTRACT ProtocolKind = 4
	ProtocolKind_PROTOCOL_KIND_STATE_CHANNEL   ProtocolKind = 5
)

type TransferPhase int32

const (
	TransferPhase_TRANSFER_PHASE_UNSPECIFIED          TransferPhase = 0
	TransferPhase_TRANSFER_PHASE_PENDING              TransferPhase = 1
	TransferPhase_TRANSFER_PHASE_SOURCE_LOCKED        TransferPhase = 2
	TransferPhase_TRANSFER_PHASE_PROOF_ISSUED         TransferPhase = 3
	TransferPhase_TRANSFER_PHASE_PROOF_VERIFIED       TransferPhase = 4
	TransferPhase_TRANSFER_PHASE_DESTINATION_CREDITED TransferPhase = 5
	TransferPhase_TRANSFER_PHASE_COMMITTED            TransferPhase = 6
	TransferPhase_TRANSFER_PHASE_ROLLED_BACK          TransferPhase = 7
	TransferPhase_TRANSFER_PHASE_FAILED               TransferPhase = 8
)

type ProtocolEventType int32

const (
	ProtocolEventType_PROTOCOL_EVENT_TYPE_UNSPECIFIED  ProtocolEventType = 0
	ProtocolEventType_PROTOCOL_EVENT_TYPE_INITIALIZED  ProtocolEventType = 1
	ProtocolEventType_PROTOCOL_EVENT_TYPE_CONNECTED    ProtocolEventType = 2
	ProtocolEventType_PROTOCOL_EVENT_TYPE_DISCONNECTED ProtocolEventType = 3
	ProtocolEventType_PROTOCOL_EVENT_TYPE_DEGRADED     ProtocolEventType = 4
	ProtocolEventType_PROTOCOL_EVENT_TYPE_RECOVERED    ProtocolEventType = 5
	ProtocolEventType_PROTOCOL_EVENT_TYPE_FAILED       ProtocolEventType = 6
)

// TransferEvent is emitted every time a transfer record is persisted.
type TransferEvent struct {
	EventId       string        `json:"event_id"`
	TransferId    string        `json:"transfer_id"`
	Source        ProtocolKind  `json:"source"`
	Destination   ProtocolKind  `json:"destination"`
	Asset         string        `json:"asset"`
	Amount        uint64        `json:"amount"`
	Phase         TransferPhase `json:"phase"`
	PreviousPhase TransferPhase `json:"previous_phase"`
	Reason        string        `json:"reason,omitempty"`
	RetryCount    uint32        `json:"retry_count"`
	Error         string        `json:"error,omitempty"`
	ProofId       string        `json:"proof_id,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
	SchemaVersion uint32        `json:"schema_version"`
}

type ProtocolEvent struct {
	EventId       string            `json:"event_id"`
	Kind          ProtocolKind      `json:"kind"`
	Type          ProtocolEventType `json:"type"`
	State         string            `json:"state"`
	Error         string            `json:"error,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
	SchemaVersion uint32            `json:"schema_version"`
}

const SchemaVersion uint32 = 1
