package model

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryType string

const (
	DeliveryOutbox   DeliveryType = "Outbox"
	DeliveryInbox    DeliveryType = "Inbox"
	DeliveryInternal DeliveryType = "Internal"
)

func (d DeliveryType) Valid() bool {
	switch d {
	case DeliveryOutbox, DeliveryInbox, DeliveryInternal:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "Pending"
	StatusProcessed MessageStatus = "Processed"
	StatusFailed    MessageStatus = "Failed"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

func (s MessageStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// CanTransition reports whether a record may move from one status to another.
// Only Pending may leave its state, and only forward.
func CanTransition(from, to MessageStatus) bool {
	return from == StatusPending && (to == StatusProcessed || to == StatusFailed)
}

type StoreMessage struct {
	ID            uuid.UUID     `gorm:"column:id;type:uuid;primaryKey"`
	DataType      string        `gorm:"column:data_type;size:500;not null"`
	Data          []byte        `gorm:"column:data;not null"`
	DeliveryType  DeliveryType  `gorm:"column:delivery_type;size:50;not null;index"`
	MessageStatus MessageStatus `gorm:"column:message_status;size:50;not null;index:idx_store_messages_due,priority:1"`
	RetryCount    int           `gorm:"column:retry_count;not null;default:0"`
	Metadata      JSONB         `gorm:"column:metadata"`
	CreatedAt     time.Time     `gorm:"column:created_at;not null"`
	ProcessedAt   *time.Time    `gorm:"column:processed_at"`
	NextAttemptAt time.Time     `gorm:"column:next_attempt_at;not null;index:idx_store_messages_due,priority:2"`
	ClaimedBy     string        `gorm:"column:claimed_by;size:200;not null"`
	ClaimedUntil  *time.Time    `gorm:"column:claimed_until"`
	LastError     string        `gorm:"column:last_error;not null"`
}

func (StoreMessage) TableName() string {
	return "store_messages"
}

// Header returns a metadata value, or "" when absent or not a string.
func (m *StoreMessage) Header(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Due reports whether the sweeper may pick the record at now.
func (m *StoreMessage) Due(now time.Time) bool {
	return m.MessageStatus == StatusPending && !m.NextAttemptAt.After(now)
}

// Claimable reports whether no live claim is held on the record at now.
func (m *StoreMessage) Claimable(now time.Time) bool {
	return m.ClaimedUntil == nil || !m.ClaimedUntil.After(now)
}
