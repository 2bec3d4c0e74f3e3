package events

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/metrics"
)

// Normalize maps one inbound frame to at most one canonical event.
// Unknown names and payloads that cannot be interpreted yield false; they
// are not errors, so callers drop them without logging at error level.
func Normalize(name string, payload json.RawMessage) (Event, bool) {
	ev, ok := normalize(name, payload)
	if ok {
		metrics.FramesTotal.WithLabelValues("event").Inc()
	} else {
		metrics.FramesTotal.WithLabelValues("dropped").Inc()
	}
	return ev, ok
}

func normalize(name string, payload json.RawMessage) (Event, bool) {
	alias, ok := lookupEvent(name)
	if !ok {
		return nil, false
	}
	v, ok := decode(payload)
	if !ok {
		return nil, false
	}

	switch alias.kind {
	case KindMessageReceived:
		rec, ok := newRecord(v)
		if !ok {
			return nil, false
		}
		msg, ok := messageFromRecord(unwrapMessage(rec), chat.OriginLive)
		if !ok {
			return nil, false
		}
		return MessageReceived{Message: msg}, true

	case KindConversationHistory:
		convID, msgs, ok := historyFromValue(v)
		if !ok {
			return nil, false
		}
		return ConversationHistory{ConversationID: convID, Messages: msgs}, true

	case KindTypingChanged:
		return typingFromValue(v, alias.implied)

	case KindUserJoined:
		userID, convID := presenceTarget(v)
		if userID == "" {
			return nil, false
		}
		return UserJoined{UserID: userID, ConversationID: convID}, true

	case KindUserLeft:
		userID, convID := presenceTarget(v)
		if userID == "" {
			return nil, false
		}
		return UserLeft{UserID: userID, ConversationID: convID}, true

	case KindUserStatusChanged:
		userID, _ := presenceTarget(v)
		rec, _ := newRecord(v)
		online, known := boolValue(rec.value(fieldOnline))
		if userID == "" || !known {
			return nil, false
		}
		return UserStatusChanged{UserID: userID, Online: online}, true

	case KindError:
		return errorFromValue(v), true
	}
	return nil, false
}

// ParseMessage decodes a single message object from any known shape.
// Messages without an id are rejected.
func ParseMessage(raw json.RawMessage, origin chat.Origin) (chat.Message, bool) {
	v, ok := decode(raw)
	if !ok {
		return chat.Message{}, false
	}
	rec, ok := newRecord(v)
	if !ok {
		return chat.Message{}, false
	}
	return messageFromRecord(unwrapMessage(rec), origin)
}

// ParseMessages decodes a message page: either a bare array or an object
// holding the array under one of the known list keys. It returns the
// conversation id found on the envelope, if any.
func ParseMessages(raw json.RawMessage) (string, []chat.Message, bool) {
	v, ok := decode(raw)
	if !ok {
		return "", nil, false
	}
	return historyFromValue(v)
}

// ---------------------------------------------------------------------------
// Payload records
// ---------------------------------------------------------------------------

// record is a JSON object with folded keys.
type record map[string]interface{}

func decode(raw json.RawMessage) (interface{}, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func newRecord(v interface{}) (record, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	rec := make(record, len(m))
	for k, val := range m {
		key := fieldKey(k)
		// A key already in folded form wins over variants that fold to it.
		if _, dup := rec[key]; dup && k != key {
			continue
		}
		rec[key] = val
	}
	return rec, true
}

// value returns the first non-null value stored under any alias of f.
func (r record) value(f field) interface{} {
	for _, name := range fieldNames[f] {
		if v, ok := r[fieldKey(name)]; ok && v != nil {
			return v
		}
	}
	return nil
}

// id returns the normalized id under f, descending into nested objects
// such as {"sender": {"id": "U1"}}.
func (r record) id(f field) string {
	for _, name := range fieldNames[f] {
		v, ok := r[fieldKey(name)]
		if !ok || v == nil {
			continue
		}
		if nested, ok := newRecord(v); ok {
			if id := NormalizeID(nested.value(fieldID)); id != "" {
				return id
			}
			if id := NormalizeID(nested.value(fieldUserID)); id != "" {
				return id
			}
			continue
		}
		if id := NormalizeID(v); id != "" {
			return id
		}
	}
	return ""
}

// text returns the first string-like value under f.
func (r record) text(f field) string {
	for _, name := range fieldNames[f] {
		switch v := r[fieldKey(name)].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// nestedName returns a display name from a nested sender/user object.
func (r record) nestedName() string {
	for _, key := range []string{"sender", "user", "author", "from"} {
		if nested, ok := newRecord(r[key]); ok {
			if name := nested.text(fieldUserName); name != "" {
				return name
			}
		}
	}
	return ""
}

// unwrapMessage descends into {"message": {...}} style envelopes,
// carrying the envelope's conversation id down when the inner object
// lacks one.
func unwrapMessage(rec record) record {
	for _, key := range wrapperKeys {
		nested, ok := newRecord(rec[key])
		if !ok {
			continue
		}
		if nested.id(fieldConversationID) == "" {
			if convID := rec.id(fieldConversationID); convID != "" {
				nested["conversationid"] = convID
			}
		}
		return nested
	}
	return rec
}

func messageFromRecord(rec record, origin chat.Origin) (chat.Message, bool) {
	msg := chat.Message{
		ID:             rec.id(fieldID),
		ConversationID: rec.id(fieldConversationID),
		SenderID:       rec.id(fieldSenderID),
		SenderName:     strings.TrimSpace(rec.text(fieldSenderName)),
		Text:           rec.text(fieldText),
		Timestamp:      NormalizeTimestamp(rec.value(fieldTimestamp)),
		Origin:         origin,
		ClientID:       rec.id(fieldClientID),
	}
	if msg.SenderName == "" {
		msg.SenderName = rec.nestedName()
	}
	if msg.ID == "" {
		return chat.Message{}, false
	}
	return msg, true
}

func historyFromValue(v interface{}) (string, []chat.Message, bool) {
	var convID string
	items, isList := v.([]interface{})
	for depth := 0; !isList && depth < 2; depth++ {
		rec, ok := newRecord(v)
		if !ok {
			return "", nil, false
		}
		if convID == "" {
			convID = rec.id(fieldConversationID)
		}
		v = rec.value(fieldMessages)
		items, isList = v.([]interface{})
	}
	if !isList {
		return "", nil, false
	}

	msgs := make([]chat.Message, 0, len(items))
	for _, item := range items {
		rec, ok := newRecord(item)
		if !ok {
			continue
		}
		msg, ok := messageFromRecord(unwrapMessage(rec), chat.OriginHistory)
		if !ok {
			continue
		}
		if msg.ConversationID == "" {
			msg.ConversationID = convID
		}
		msgs = append(msgs, msg)
	}
	if convID == "" && len(msgs) > 0 {
		convID = msgs[0].ConversationID
	}
	return convID, msgs, true
}

func typingFromValue(v interface{}, implied *bool) (Event, bool) {
	ev := TypingChanged{IsTyping: true}
	if implied != nil {
		ev.IsTyping = *implied
	}

	rec, ok := newRecord(v)
	if !ok {
		ev.UserID = NormalizeID(v)
		return ev, true
	}
	ev.ConversationID = rec.id(fieldConversationID)
	ev.UserID = rec.id(fieldUserID)
	ev.UserName = strings.TrimSpace(rec.text(fieldUserName))
	if ev.UserName == "" {
		ev.UserName = rec.nestedName()
	}
	if implied == nil {
		if typing, known := boolValue(rec.value(fieldIsTyping)); known {
			ev.IsTyping = typing
		}
	}
	return ev, true
}

// presenceTarget accepts a bare id, {"userId": ...}, {"id": ...} or
// {"user": {"id": ...}}.
func presenceTarget(v interface{}) (userID, conversationID string) {
	rec, ok := newRecord(v)
	if !ok {
		return NormalizeID(v), ""
	}
	return rec.id(fieldUserID), rec.id(fieldConversationID)
}

func errorFromValue(v interface{}) Event {
	rec, ok := newRecord(v)
	if !ok {
		return ErrorOccurred{Message: stringify(v)}
	}
	return ErrorOccurred{
		Code:    rec.text(fieldErrorCode),
		Message: rec.text(fieldErrorMessage),
	}
}

// ---------------------------------------------------------------------------
// Scalar normalization
// ---------------------------------------------------------------------------

// NormalizeID coerces an id of any JSON type to a trimmed, lower-cased
// string so identity comparisons are case- and type-insensitive. Values
// that cannot be an id yield "".
func NormalizeID(v interface{}) string {
	return strings.ToLower(strings.TrimSpace(stringify(v)))
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

// boolValue interprets booleans, 0/1 and status words. known is false
// when v carries no recognizable truth value.
func boolValue(v interface{}) (value, known bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return false, false
		}
		return n != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "on", "online", "available", "active", "connected", "typing":
			return true, true
		case "false", "0", "no", "off", "offline", "away", "inactive", "invisible", "disconnected", "idle":
			return false, true
		}
	}
	return false, false
}

var (
	// dotnetDate matches legacy "/Date(1700000000000)/" values.
	dotnetDate = regexp.MustCompile(`^/Date\((-?\d+)(?:[+-]\d{4})?\)/$`)

	timestampLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02",
	}

	// minTimestamp rejects zero-value dates such as 0001-01-01.
	minTimestamp = time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC)
)

// NormalizeTimestamp parses a timestamp of any known shape and returns it
// as ISO-8601 UTC with millisecond precision. Unparseable, zero or
// pre-epoch values return "", which callers must treat as unknown.
func NormalizeTimestamp(v interface{}) string {
	t, ok := parseTimestamp(v)
	if !ok || t.Before(minTimestamp) || t.Year() > 9999 {
		return ""
	}
	return chat.FormatTimestamp(t)
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case float64:
		return fromEpoch(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		if m := dotnetDate.FindStringSubmatch(s); m != nil {
			ms, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			return time.UnixMilli(ms), true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// fromEpoch treats values of 1e11 and above as milliseconds.
func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, false
	}
	if f >= 1e11 {
		return time.UnixMilli(int64(f)), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}
