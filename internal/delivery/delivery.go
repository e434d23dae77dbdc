// Package delivery routes finished-run notifications to chat transports.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"taskmill/internal/scheduler"
	kit "taskmill/internal/transport"
)

// Router fans a delivery out to the adapter registered for its channel
// type. Implements scheduler.Deliverer.
type Router struct {
	adapters map[string]kit.Adapter
}

func NewRouter() *Router {
	return &Router{adapters: map[string]kit.Adapter{}}
}

// Register binds a channel type ("telegram") to its transport adapter.
func (r *Router) Register(channelType string, a kit.Adapter) {
	r.adapters[strings.ToLower(strings.TrimSpace(channelType))] = a
}

func (r *Router) Deliver(ctx context.Context, d scheduler.Delivery) error {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(d.ChannelType))]
	if !ok || a == nil {
		return fmt.Errorf("no adapter for channel type %q", d.ChannelType)
	}
	to, err := parseTarget(d.ChannelID)
	if err != nil {
		return err
	}
	_, err = a.SendText(ctx, to, formatMessage(d), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// parseTarget accepts "chatID" or "chatID/threadID".
func parseTarget(channelID string) (kit.ChatTarget, error) {
	s := strings.TrimSpace(channelID)
	if s == "" {
		return kit.ChatTarget{}, errors.New("empty channel id")
	}
	chatPart, threadPart, hasThread := strings.Cut(s, "/")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("invalid chat id %q", chatPart)
	}
	t := kit.ChatTarget{ChatID: chatID}
	if hasThread {
		thread, err := strconv.Atoi(threadPart)
		if err != nil {
			return kit.ChatTarget{}, fmt.Errorf("invalid thread id %q", threadPart)
		}
		t.ThreadID = thread
	}
	return t, nil
}

const maxResultChars = 3500

func formatMessage(d scheduler.Delivery) string {
	var b strings.Builder
	switch d.Status {
	case scheduler.RunStatusOK:
		b.WriteString("✅ ")
	case scheduler.RunStatusPartial:
		b.WriteString("🟡 ")
	case scheduler.RunStatusTimeout:
		b.WriteString("⏱ ")
	default:
		b.WriteString("❌ ")
	}
	b.WriteString("<b>")
	b.WriteString(escapeHTML(d.JobName))
	b.WriteString("</b> — ")
	b.WriteString(string(d.Status))

	if d.Error != "" {
		b.WriteString("\n<i>")
		b.WriteString(escapeHTML(truncate(d.Error, 500)))
		b.WriteString("</i>")
	}
	if d.ResultText != "" {
		b.WriteString("\n\n")
		b.WriteString(escapeHTML(truncate(d.ResultText, maxResultChars)))
	}
	if d.TaskID != "" {
		b.WriteString("\n\n<code>task ")
		b.WriteString(escapeHTML(d.TaskID))
		b.WriteString("</code>")
	}
	return b.String()
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
