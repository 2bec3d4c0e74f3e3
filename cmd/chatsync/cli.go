package main

import (
	"context"
	"strings"
	"time"

	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/events"
	"github.com/tradepost/chatsync/internal/presence"
	"github.com/tradepost/chatsync/internal/session"
)

type conversationLister interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
}

// cli runs stdin commands against the engine. Output goes through the
// renderer so it does not interleave with pushed messages.
type cli struct {
	engine   *session.Engine
	lister   conversationLister
	tracker  *presence.Tracker
	out      *renderer
	selected string
}

// handle runs one line and reports whether to quit.
func (c *cli) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if c.selected == "" {
			c.out.line("! no conversation selected")
			return false
		}
		if err := c.engine.Send(ctx, c.selected, line); err != nil {
			c.out.line("! send failed: %v", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true
	case "/open", "/select":
		if arg == "" {
			c.out.line("! usage: %s <conversation>", cmd)
			return false
		}
		open := c.engine.Open
		if cmd == "/select" {
			open = c.engine.Select
		}
		if err := open(ctx, arg); err != nil {
			c.out.line("! %s failed: %v", cmd[1:], err)
		}
		c.selected = events.NormalizeID(arg)
	case "/close", "/forget":
		if arg == "" {
			arg = c.selected
		}
		if cmd == "/forget" {
			if err := c.engine.Forget(ctx, arg); err != nil {
				c.out.line("! forget failed: %v", err)
			}
		} else {
			_ = c.engine.Close(ctx, arg)
		}
		if events.NormalizeID(arg) == c.selected {
			c.selected = ""
		}
	case "/typing":
		if err := c.engine.InputActivity(c.selected, arg != "off"); err != nil {
			c.out.line("! typing failed: %v", err)
		}
	case "/read":
		if err := c.engine.MarkRead(ctx, c.selected); err != nil {
			c.out.line("! mark read failed: %v", err)
		}
	case "/list":
		c.list(ctx)
	case "/sessions":
		for _, s := range c.engine.Sessions() {
			marker := " "
			if s.ConversationID == c.selected {
				marker = "*"
			}
			peer := "-"
			if st, ok := c.engine.Typing(s.ConversationID); ok {
				peer = st.Label()
			}
			c.out.line("%s %s joined %s hydrated=%v typing=%v peer_typing=%s", marker, s.ConversationID,
				s.JoinedAt.Format(time.Kitchen), s.HistoryHydrated, s.LocalTyping, peer)
		}
	default:
		c.out.line("! unknown command %s", cmd)
	}
	return false
}

// list prints the REST conversation list. Peer online flags feed the
// presence tracker; status is shown only for peers it knows about.
func (c *cli) list(ctx context.Context) {
	convs, err := c.lister.ListConversations(ctx)
	if err != nil {
		c.out.line("! list failed: %v", err)
		return
	}
	for _, conv := range convs {
		if conv.PeerID != "" && conv.PeerOnline != nil {
			c.tracker.Set(conv.PeerID, *conv.PeerOnline)
		}
	}
	for _, conv := range convs {
		status := ""
		if conv.PeerID != "" && c.tracker.Known(conv.PeerID) {
			status = " [offline]"
			if c.tracker.IsOnline(conv.PeerID) {
				status = " [online]"
			}
		}
		c.out.line("  %s  %s (%d unread)%s", conv.ID, conv.Title, conv.UnreadCount, status)
	}
}
