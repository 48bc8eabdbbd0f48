package store

import . "github.com/yshimada/llmrouter/internal/logging"

// EventType identifies a store mutation.
type EventType string

const (
	EventConversationCreated EventType = "conversation-created"
	EventMessageAppended     EventType = "message-appended"
	EventConversationDeleted EventType = "conversation-deleted"
	EventTitleChanged        EventType = "title-changed"
)

// Event describes one store mutation. Events fire after the write has
// committed.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
}

// Subscribe registers an observer. The channel is buffered; a slow
// observer loses events rather than blocking writes.
func (s *Store) Subscribe() (int, <-chan Event) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	id := s.nextObsID
	s.nextObsID++
	ch := make(chan Event, 16)
	s.observers[id] = ch
	return id, ch
}

// Unsubscribe removes an observer and closes its channel.
func (s *Store) Unsubscribe(id int) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	if ch, ok := s.observers[id]; ok {
		delete(s.observers, id)
		close(ch)
	}
}

func (s *Store) notify(e Event) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	for id, ch := range s.observers {
		select {
		case ch <- e:
		default:
			L_debug("store: observer lagging, event dropped", "observer", id, "event", e.Type)
		}
	}
}
