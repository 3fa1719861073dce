package txn

import (
	"time"

	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// NotificationKind is the lifecycle moment a notification describes
type NotificationKind string

const (
	NotifyPending NotificationKind = "pending"
	NotifySuccess NotificationKind = "success"
	NotifyError   NotificationKind = "error"
)

// PendingText is the user-facing text shown while a transaction is in flight
type PendingText struct {
	Title       string
	Description string
}

// Notification is a fire-and-forget lifecycle message, categorised by event type
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	EventType   string           `json:"event_type"`
	Variant     types.Variant    `json:"variant"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	TxHash      string           `json:"tx_hash,omitempty"`
	Error       string           `json:"error,omitempty"`
	At          time.Time        `json:"at"`
}

// Notifier receives lifecycle notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// MultiNotifier fans a notification out to several notifiers
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// LogNotifier writes notifications to the structured log
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	args := []any{
		"kind", string(n.Kind),
		"event_type", n.EventType,
		logging.Variant(n.Variant),
		logging.Component("txn"),
	}
	if n.TxHash != "" {
		args = append(args, logging.TxHash(n.TxHash))
	}
	if n.Error != "" {
		args = append(args, "error", n.Error)
	}
	logging.Info(n.Title, args...)
}
