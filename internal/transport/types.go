// Package transport holds the chat-level types shared by operator alert
// senders. Reminder delivery goes through internal/gateway instead.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic, 0 if none
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Sender posts text to a chat. Long texts may be split into several
// messages; the reference points at the first one.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
