package storage

import (
	"time"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxMessage is one transfer event waiting to be relayed. Payload is the
// JSON encoded protov1.TransferEvent.
type OutboxMessage struct {
	ID          int64
	EventID     string
	TransferID  string
	Payload     []byte
	Status      OutboxStatus
	RetryCount  int32
	MaxRetries  int32
	LastError   *string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	PublishedAt *time.Time
}
