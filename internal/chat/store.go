package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepost/chatsync/internal/clock"
	"github.com/tradepost/chatsync/internal/metrics"
)

// DefaultDedupWindow is how long an optimistic entry may be matched by
// sender and text against an incoming live message.
const DefaultDedupWindow = 2000 * time.Millisecond

// TempIDPrefix marks locally generated optimistic ids.
const TempIDPrefix = "tmp-"

// StoreConfig holds the reconciliation store's tunables.
type StoreConfig struct {
	DedupWindow time.Duration
	Clock       clock.Clock
	Logger      zerolog.Logger
}

// DefaultStoreConfig returns the production configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DedupWindow: DefaultDedupWindow,
		Clock:       clock.Real(),
		Logger:      zerolog.Nop(),
	}
}

// Store merges optimistic, live and history messages into one ordered,
// de-duplicated sequence per conversation. Display order is insertion
// order; the store never re-sorts. It is goroutine-safe; listeners are
// called without the lock held.
type Store struct {
	mu        sync.RWMutex
	config    StoreConfig
	seqs      map[string]*sequence // conversation_id -> visible sequence
	listeners map[int]func(conversationID string)
	nextID    int
}

type entry struct {
	msg        Message
	insertedAt time.Time
}

type sequence struct {
	entries []entry
}

func (s *sequence) index(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.entries {
		if s.entries[i].msg.ID == id {
			return i
		}
	}
	return -1
}

func (s *sequence) remove(i int) {
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// NewStore creates an empty Store.
func NewStore(config StoreConfig) *Store {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = DefaultDedupWindow
	}
	return &Store{
		config:    config,
		seqs:      make(map[string]*sequence),
		listeners: make(map[int]func(string)),
	}
}

// ApplyHistory replaces the conversation's visible sequence with msgs,
// so repeated hydration never accumulates copies. Duplicate ids inside
// the batch keep their first occurrence. Optimistic entries still
// awaiting confirmation survive at the tail unless the batch already
// contains their authoritative copy. It returns the new length.
func (s *Store) ApplyHistory(conversationID string, msgs []Message) int {
	s.mu.Lock()
	seq := s.sequenceLocked(conversationID)
	now := s.config.Clock.Now()

	seen := make(map[string]bool, len(msgs))
	fresh := make([]entry, 0, len(msgs)+len(seq.entries))
	for _, m := range msgs {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		m.Origin = OriginHistory
		fresh = append(fresh, entry{msg: m, insertedAt: now})
	}
	metrics.MessagesApplied.WithLabelValues(OriginHistory.String()).Add(float64(len(fresh)))

	claimed := make(map[int]bool)
	for _, e := range seq.entries {
		if e.msg.Origin != OriginOptimistic || seen[e.msg.ID] {
			continue
		}
		if i := s.historyCopy(fresh, claimed, e); i >= 0 {
			claimed[i] = true
			continue
		}
		fresh = append(fresh, e)
	}

	seq.entries = fresh
	n := len(fresh)
	s.mu.Unlock()

	s.config.Logger.Debug().Str("conversation_id", conversationID).Int("count", n).Msg("history applied")
	s.notify(conversationID)
	return n
}

// historyCopy finds an unclaimed history entry that is the server's copy
// of the optimistic entry e: same sender, same text, not older than the
// send minus the dedup window. Unknown history timestamps match.
func (s *Store) historyCopy(fresh []entry, claimed map[int]bool, e entry) int {
	earliest := e.insertedAt.Add(-s.config.DedupWindow)
	for i, h := range fresh {
		if claimed[i] || h.msg.Origin != OriginHistory {
			continue
		}
		if !sameSender(h.msg.SenderID, e.msg.SenderID) || h.msg.Text != e.msg.Text {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, h.msg.Timestamp); err == nil && ts.Before(earliest) {
			continue
		}
		return i
	}
	return -1
}

// ApplyLive adds a pushed message unless it duplicates one already shown.
// A message whose id, or echoed client id, names an optimistic entry
// promotes that entry in place. Otherwise an optimistic entry from the
// same sender with identical text inserted within the dedup window is
// replaced in place. It reports whether the visible sequence changed.
func (s *Store) ApplyLive(msg Message) bool {
	if msg.ID == "" || msg.ConversationID == "" {
		return false
	}

	s.mu.Lock()
	seq := s.sequenceLocked(msg.ConversationID)
	now := s.config.Clock.Now()
	msg.Origin = OriginLive

	if i := seq.index(msg.ID); i >= 0 {
		if seq.entries[i].msg.Origin != OriginOptimistic {
			s.mu.Unlock()
			metrics.DuplicatesDropped.Inc()
			s.config.Logger.Debug().Str("message_id", msg.ID).Msg("duplicate live message dropped")
			return false
		}
		seq.entries[i] = entry{msg: msg, insertedAt: seq.entries[i].insertedAt}
		s.mu.Unlock()
		s.notify(msg.ConversationID)
		return true
	}

	i := seq.index(msg.ClientID)
	if i < 0 || seq.entries[i].msg.Origin != OriginOptimistic {
		i = s.optimisticMatch(seq, msg, now)
	}
	if i >= 0 {
		s.config.Logger.Debug().
			Str("temp_id", seq.entries[i].msg.ID).
			Str("message_id", msg.ID).
			Msg("optimistic entry replaced by live message")
		seq.entries[i] = entry{msg: msg, insertedAt: seq.entries[i].insertedAt}
	} else {
		seq.entries = append(seq.entries, entry{msg: msg, insertedAt: now})
	}
	metrics.MessagesApplied.WithLabelValues(OriginLive.String()).Inc()
	s.mu.Unlock()

	s.notify(msg.ConversationID)
	return true
}

func (s *Store) optimisticMatch(seq *sequence, msg Message, now time.Time) int {
	for i, e := range seq.entries {
		if e.msg.Origin != OriginOptimistic {
			continue
		}
		if now.Sub(e.insertedAt) > s.config.DedupWindow {
			continue
		}
		if sameSender(e.msg.SenderID, msg.SenderID) && e.msg.Text == msg.Text {
			return i
		}
	}
	return -1
}

// ApplyOptimistic appends a local placeholder and returns its temp id.
func (s *Store) ApplyOptimistic(conversationID, senderID, senderName, text string) string {
	s.mu.Lock()
	seq := s.sequenceLocked(conversationID)
	now := s.config.Clock.Now()
	id := TempIDPrefix + uuid.New().String()
	seq.entries = append(seq.entries, entry{
		msg: Message{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       senderID,
			SenderName:     senderName,
			Text:           text,
			Timestamp:      FormatTimestamp(now),
			Origin:         OriginOptimistic,
		},
		insertedAt: now,
	})
	s.mu.Unlock()

	metrics.MessagesApplied.WithLabelValues(OriginOptimistic.String()).Inc()
	s.notify(conversationID)
	return id
}

// Confirm promotes an optimistic entry to Live under its server id. If
// the server copy is already visible the placeholder is dropped instead,
// keeping ids unique. It reports whether the placeholder was found.
func (s *Store) Confirm(conversationID, tempID, serverID string) bool {
	if serverID == "" {
		return false
	}

	s.mu.Lock()
	seq, ok := s.seqs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	i := seq.index(tempID)
	if i < 0 || seq.entries[i].msg.Origin != OriginOptimistic {
		s.mu.Unlock()
		return false
	}
	if j := seq.index(serverID); j >= 0 && j != i {
		seq.remove(i)
	} else {
		seq.entries[i].msg.ID = serverID
		seq.entries[i].msg.Origin = OriginLive
	}
	s.mu.Unlock()

	s.notify(conversationID)
	return true
}

// Fail removes an optimistic entry after its send failed on every path.
func (s *Store) Fail(conversationID, tempID string) bool {
	s.mu.Lock()
	seq, ok := s.seqs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	i := seq.index(tempID)
	if i < 0 || seq.entries[i].msg.Origin != OriginOptimistic {
		s.mu.Unlock()
		return false
	}
	seq.remove(i)
	s.mu.Unlock()

	s.notify(conversationID)
	return true
}

// Messages returns a copy of the conversation's visible sequence. It
// returns an empty, non-nil slice for unknown conversations.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.seqs[conversationID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(seq.entries))
	for i, e := range seq.entries {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of visible messages in the conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq, ok := s.seqs[conversationID]; ok {
		return len(seq.entries)
	}
	return 0
}

// Remove drops the conversation's sequence (called when it is closed).
func (s *Store) Remove(conversationID string) {
	s.mu.Lock()
	_, ok := s.seqs[conversationID]
	delete(s.seqs, conversationID)
	s.mu.Unlock()

	if ok {
		s.notify(conversationID)
	}
}

// Subscribe registers fn to be called after every change to a
// conversation's sequence. The returned func unregisters it.
func (s *Store) Subscribe(fn func(conversationID string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(conversationID string) {
	s.mu.RLock()
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(conversationID)
	}
}

func (s *Store) sequenceLocked(conversationID string) *sequence {
	seq, ok := s.seqs[conversationID]
	if !ok {
		seq = &sequence{}
		s.seqs[conversationID] = seq
	}
	return seq
}
