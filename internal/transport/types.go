package transport

import "context"

// ChatTarget addresses a chat (and optional forum topic thread) on a channel.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the minimal outbound surface a channel transport must provide.
// The scheduler only pushes messages; it never consumes inbound updates.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
