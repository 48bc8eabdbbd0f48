package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	. "github.com/yshimada/llmrouter/internal/logging"
)

// Conversation statuses.
const (
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusClosed   = "closed"
	StatusArchived = "archived"
)

// ValidStatus reports whether s is a known conversation status.
func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusPaused, StatusClosed, StatusArchived:
		return true
	}
	return false
}

// SetStatus updates a conversation's lifecycle state.
func (s *Store) SetStatus(conversationID, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.Exec("UPDATE conversations SET status = ? WHERE id = ?", status, conversationID)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	return nil
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Topic groups conversations.
type Topic struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	ParentID  *int64    `json:"parentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is one stored exchange.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Topic     string    `json:"topic,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one turn in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ModelRef       string    `json:"modelRef,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// titleMaxLen caps derived conversation titles.
const titleMaxLen = 60

// CreateConversation starts a new conversation, optionally under a
// topic (created on first use).
func (s *Store) CreateConversation(title, topicName string) (*Conversation, error) {
	var topicID *int64
	if topicName != "" {
		id, err := s.EnsureTopic(topicName)
		if err != nil {
			return nil, err
		}
		topicID = &id
	}

	now := nowMillis()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Topic:     topicName,
		Status:    StatusActive,
		CreatedAt: millisToTime(now),
		UpdatedAt: millisToTime(now),
	}

	_, err := s.db.Exec(
		"INSERT INTO conversations (id, title, topic_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		conv.ID, conv.Title, topicID, conv.Status, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	L_debug("store: conversation created", "id", conv.ID, "topic", topicName)
	s.notify(Event{Type: EventConversationCreated, ConversationID: conv.ID})
	return conv, nil
}

// EnsureTopic returns the id of the named topic, creating it if needed.
func (s *Store) EnsureTopic(name string) (int64, error) {
	var id int64
	err := s.db.QueryRow("SELECT id FROM topics WHERE name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up topic: %w", err)
	}

	res, err := s.db.Exec("INSERT INTO topics (name, created_at) VALUES (?, ?)", name, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to create topic: %w", err)
	}
	return res.LastInsertId()
}

// AppendMessage adds one turn. Assistant messages must carry the model
// that produced them.
func (s *Store) AppendMessage(conversationID, role, content, modelRef string) (*Message, error) {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if role == RoleAssistant && modelRef == "" {
		return nil, fmt.Errorf("assistant message requires a model ref")
	}

	var title string
	err := s.db.QueryRow("SELECT title FROM conversations WHERE id = ?", conversationID).Scan(&title)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	now := nowMillis()
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ModelRef:       modelRef,
		Timestamp:      millisToTime(now),
	}

	var ref any
	if modelRef != "" {
		ref = modelRef
	}
	_, err = s.db.Exec(
		"INSERT INTO messages (id, conversation_id, role, content, model_ref, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, conversationID, role, content, ref, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if title == "" && role == RoleUser {
		derived := deriveTitle(content)
		if derived != "" {
			if err := s.SetTitle(conversationID, derived); err != nil {
				L_warn("store: failed to set derived title", "conversation", conversationID, "error", err)
			}
		}
	}

	s.notify(Event{Type: EventMessageAppended, ConversationID: conversationID, MessageID: msg.ID})
	return msg, nil
}

// deriveTitle takes the first line of the first user message, trimmed
// to a readable length.
func deriveTitle(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	runes := []rune(line)
	if len(runes) > titleMaxLen {
		line = string(runes[:titleMaxLen]) + "..."
	}
	return line
}

// SetTitle renames a conversation.
func (s *Store) SetTitle(conversationID, title string) error {
	res, err := s.db.Exec("UPDATE conversations SET title = ? WHERE id = ?", title, conversationID)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	s.notify(Event{Type: EventTitleChanged, ConversationID: conversationID})
	return nil
}

// GetConversation fetches one conversation.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT c.id, c.title, COALESCE(t.name, ''), c.status, c.created_at, c.updated_at
		FROM conversations c LEFT JOIN topics t ON c.topic_id = t.id
		WHERE c.id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// GetMessages returns a conversation's messages in order.
func (s *Store) GetMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, COALESCE(model_ref, ''), timestamp
		FROM messages WHERE conversation_id = ? ORDER BY timestamp, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ModelRef, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = millisToTime(ts)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListConversations returns conversations newest-first.
func (s *Store) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT c.id, c.title, COALESCE(t.name, ''), c.status, c.created_at, c.updated_at
		FROM conversations c LEFT JOIN topics t ON c.topic_id = t.id
		ORDER BY c.updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(id string) error {
	res, err := s.db.Exec("DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	s.notify(Event{Type: EventConversationDeleted, ConversationID: id})
	return nil
}

// SearchFilter narrows a conversation search. Zero values mean "no
// filter".
type SearchFilter struct {
	Query  string
	Topic  string
	Status string
	After  time.Time
	Before time.Time
	Limit  int
}

// Search finds conversations whose title or message content contains
// the query text.
func (s *Store) Search(f SearchFilter) ([]Conversation, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []any
	)
	if f.Query != "" {
		where = append(where, `(c.title LIKE ? OR EXISTS (
			SELECT 1 FROM messages m WHERE m.conversation_id = c.id AND m.content LIKE ?))`)
		pattern := "%" + f.Query + "%"
		args = append(args, pattern, pattern)
	}
	if f.Topic != "" {
		where = append(where, "t.name = ?")
		args = append(args, f.Topic)
	}
	if f.Status != "" {
		where = append(where, "c.status = ?")
		args = append(args, f.Status)
	}
	if !f.After.IsZero() {
		where = append(where, "c.updated_at >= ?")
		args = append(args, f.After.UnixMilli())
	}
	if !f.Before.IsZero() {
		where = append(where, "c.updated_at <= ?")
		args = append(args, f.Before.UnixMilli())
	}

	query := `
		SELECT c.id, c.title, COALESCE(t.name, ''), c.status, c.created_at, c.updated_at
		FROM conversations c LEFT JOIN topics t ON c.topic_id = t.id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// Stats summarizes the database contents.
type Stats struct {
	Conversations int            `json:"conversations"`
	Messages      int            `json:"messages"`
	Topics        int            `json:"topics"`
	ByModel       map[string]int `json:"byModel"`
}

// Stats counts conversations, messages and per-model usage.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{ByModel: make(map[string]int)}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&stats.Conversations); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&stats.Messages); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM topics").Scan(&stats.Topics); err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT model_ref, COUNT(*) FROM messages WHERE model_ref IS NOT NULL GROUP BY model_ref")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ref string
		var count int
		if err := rows.Scan(&ref, &count); err != nil {
			return nil, err
		}
		stats.ByModel[ref] = count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var created, updated int64
	if err := row.Scan(&c.ID, &c.Title, &c.Topic, &c.Status, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = millisToTime(created)
	c.UpdatedAt = millisToTime(updated)
	return &c, nil
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
