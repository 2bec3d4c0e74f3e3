package events

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tradepost/chatsync/internal/chat"
)

// peerKeys hold a nested peer object in conversation records.
var peerKeys = []string{"otheruser", "peer", "participant", "recipient"}

// ParseConversations decodes a conversation list: a bare array or an
// object holding the array under one of the list keys. Entries without
// an id are skipped.
func ParseConversations(raw json.RawMessage) ([]chat.Conversation, bool) {
	v, ok := decode(raw)
	if !ok {
		return nil, false
	}
	items, isList := v.([]interface{})
	if !isList {
		rec, ok := newRecord(v)
		if !ok {
			return nil, false
		}
		for _, key := range []string{"conversations", "items", "data", "results"} {
			if items, isList = rec[key].([]interface{}); isList {
				break
			}
		}
		if !isList {
			return nil, false
		}
	}

	out := make([]chat.Conversation, 0, len(items))
	for _, item := range items {
		rec, ok := newRecord(item)
		if !ok {
			continue
		}
		if c, ok := conversationFromRecord(rec); ok {
			out = append(out, c)
		}
	}
	return out, true
}

func conversationFromRecord(rec record) (chat.Conversation, bool) {
	c := chat.Conversation{
		ID:       rec.id(fieldID),
		Title:    strings.TrimSpace(rec.text(fieldTitle)),
		PeerID:   rec.id(fieldPeerID),
		PeerName: strings.TrimSpace(rec.text(fieldPeerName)),
	}
	if c.ID == "" {
		c.ID = rec.id(fieldConversationID)
	}
	if c.ID == "" {
		return chat.Conversation{}, false
	}

	online, known := boolValue(rec.value(fieldOnline))
	for _, key := range peerKeys {
		peer, ok := newRecord(rec[key])
		if !ok {
			continue
		}
		if c.PeerName == "" {
			c.PeerName = strings.TrimSpace(peer.text(fieldUserName))
		}
		if !known {
			online, known = boolValue(peer.value(fieldOnline))
		}
		break
	}
	if known {
		c.PeerOnline = &online
	}

	c.UnreadCount = intValue(rec.value(fieldUnreadCount))

	if last, ok := newRecord(rec.value(fieldLastMessage)); ok {
		if msg, ok := messageFromRecord(last, chat.OriginHistory); ok {
			if msg.ConversationID == "" {
				msg.ConversationID = c.ID
			}
			c.LastMessage = &msg
		}
	}
	return c, true
}

func intValue(v interface{}) int {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
