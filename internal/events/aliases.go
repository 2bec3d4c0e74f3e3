package events

import "strings"

// eventAlias maps a wire event name to a canonical kind. implied is set
// for names that encode the boolean themselves ("typing.stop").
type eventAlias struct {
	kind    Kind
	implied *bool
}

var (
	yes = true
	no  = false
)

// eventNames lists every event name the server is known to send. Names
// are matched after nameKey folding, so "message-received",
// "MessageReceived" and "message_received" are one entry.
var eventNames = map[string]eventAlias{
	"message-received": {kind: KindMessageReceived},
	"ReceiveMessage":   {kind: KindMessageReceived},
	"NewMessage":       {kind: KindMessageReceived},
	"message":          {kind: KindMessageReceived},
	"message.new":      {kind: KindMessageReceived},
	"chat.message":     {kind: KindMessageReceived},
	"OnMessage":        {kind: KindMessageReceived},

	"conversation-history": {kind: KindConversationHistory},
	"ReceiveHistory":       {kind: KindConversationHistory},
	"MessageHistory":       {kind: KindConversationHistory},
	"LoadHistory":          {kind: KindConversationHistory},
	"history":              {kind: KindConversationHistory},
	"messages":             {kind: KindConversationHistory},

	"typing-changed":    {kind: KindTypingChanged},
	"UserTyping":        {kind: KindTypingChanged},
	"typing":            {kind: KindTypingChanged},
	"TypingIndicator":   {kind: KindTypingChanged},
	"typing.start":      {kind: KindTypingChanged, implied: &yes},
	"UserStartedTyping": {kind: KindTypingChanged, implied: &yes},
	"typing.stop":       {kind: KindTypingChanged, implied: &no},
	"UserStoppedTyping": {kind: KindTypingChanged, implied: &no},

	"user-joined":        {kind: KindUserJoined},
	"UserConnected":      {kind: KindUserJoined},
	"UserOnline":         {kind: KindUserJoined},
	"PeerJoined":         {kind: KindUserJoined},
	"presence.join":      {kind: KindUserJoined},
	"JoinedConversation": {kind: KindUserJoined},

	"user-left":        {kind: KindUserLeft},
	"UserDisconnected": {kind: KindUserLeft},
	"UserOffline":      {kind: KindUserLeft},
	"PeerLeft":         {kind: KindUserLeft},
	"presence.leave":   {kind: KindUserLeft},
	"LeftConversation": {kind: KindUserLeft},

	"user-status-changed": {kind: KindUserStatusChanged},
	"StatusChanged":       {kind: KindUserStatusChanged},
	"PresenceChanged":     {kind: KindUserStatusChanged},
	"presence.update":     {kind: KindUserStatusChanged},
	"UserPresence":        {kind: KindUserStatusChanged},

	"error":         {kind: KindError},
	"ErrorOccurred": {kind: KindError},
	"ServerError":   {kind: KindError},
	"OnError":       {kind: KindError},
}

// field is a canonical payload field.
type field int

const (
	fieldID field = iota
	fieldConversationID
	fieldSenderID
	fieldSenderName
	fieldText
	fieldTimestamp
	fieldClientID
	fieldIsTyping
	fieldOnline
	fieldUserID
	fieldUserName
	fieldMessages
	fieldErrorCode
	fieldErrorMessage
	fieldTitle
	fieldPeerID
	fieldPeerName
	fieldUnreadCount
	fieldLastMessage
)

// fieldNames lists the wire keys for each canonical field in priority
// order. Keys are folded with fieldKey before comparison, so "senderId",
// "SenderId" and "sender_id" all match "senderid".
var fieldNames = map[field][]string{
	fieldID:             {"id", "messageId", "msgId"},
	fieldConversationID: {"conversationId", "chatId", "roomId", "threadId", "conversation"},
	fieldSenderID:       {"senderId", "fromUserId", "authorId", "userId", "from", "sender", "author", "user"},
	fieldSenderName:     {"senderName", "fromName", "authorName", "userName", "displayName"},
	fieldText:           {"text", "content", "body", "message", "messageText"},
	fieldTimestamp:      {"timestamp", "sentAt", "createdAt", "ts", "time", "date", "sentDate"},
	fieldClientID:       {"clientMessageId", "clientId", "tempId", "localId"},
	fieldIsTyping:       {"isTyping", "typing", "value", "state"},
	fieldOnline:         {"isOnline", "online", "status", "presence", "state"},
	fieldUserID:         {"userId", "id", "user", "senderId", "from", "participantId", "peerId"},
	fieldUserName:       {"userName", "displayName", "name", "senderName"},
	fieldMessages:       {"messages", "items", "history", "data", "results", "records"},
	fieldErrorCode:      {"code", "errorCode"},
	fieldErrorMessage:   {"message", "error", "detail", "description", "reason"},
	fieldTitle:          {"title", "subject", "name", "listingTitle"},
	fieldPeerID:         {"otherUserId", "peerId", "participantId", "recipientId", "otherUser", "peer", "participant"},
	fieldPeerName:       {"otherUserName", "peerName", "participantName", "recipientName"},
	fieldUnreadCount:    {"unreadCount", "unread", "unreadMessages", "unreadMessagesCount"},
	fieldLastMessage:    {"lastMessage", "latestMessage", "last"},
}

// wrapperKeys hold a nested message object in envelope-style payloads.
var wrapperKeys = []string{"message", "msg", "item", "data", "payload"}

var eventIndex = buildEventIndex()

func buildEventIndex() map[string]eventAlias {
	index := make(map[string]eventAlias, len(eventNames))
	for name, alias := range eventNames {
		key := nameKey(name)
		if prev, ok := index[key]; ok && prev.kind != alias.kind {
			panic("events: conflicting alias " + name)
		}
		index[key] = alias
	}
	return index
}

// nameKey folds an event name: lower-case with separators removed.
func nameKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ' ', ':', '/':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(name)))
}

// fieldKey folds a payload key: lower-case with '_' and '-' removed.
func fieldKey(key string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(key)))
}

// lookupEvent resolves a wire event name.
func lookupEvent(name string) (eventAlias, bool) {
	alias, ok := eventIndex[nameKey(name)]
	return alias, ok
}
