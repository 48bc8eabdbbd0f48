package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	. "github.com/yshimada/llmrouter/internal/logging"
)

// exportVersion is written on export. Import accepts any 1.x file.
const exportVersion = "1.0"

// Export is the portable conversation archive.
type Export struct {
	Version       string               `json:"version"`
	ExportDate    time.Time            `json:"export_date"`
	Conversations []ExportConversation `json:"conversations"`
	Metadata      ExportMetadata       `json:"metadata"`
}

// ExportConversation is one conversation with its messages inlined.
// Extra carries fields this version does not understand, so newer 1.x
// archives survive an export/import round trip.
type ExportConversation struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Topic     string          `json:"topic,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Messages  []ExportMessage `json:"messages"`

	Extra map[string]json.RawMessage `json:"-"`
}

var conversationKeys = map[string]bool{
	"id": true, "title": true, "topic": true, "status": true,
	"created_at": true, "updated_at": true, "messages": true,
}

func (c ExportConversation) MarshalJSON() ([]byte, error) {
	type plain ExportConversation
	return marshalWithExtra(plain(c), c.Extra)
}

func (c *ExportConversation) UnmarshalJSON(data []byte) error {
	type plain ExportConversation
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = ExportConversation(p)
	extra, err := extraFields(data, conversationKeys)
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

// ExportMessage is one serialized turn.
type ExportMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ModelRef  string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Extra map[string]json.RawMessage `json:"-"`
}

var messageKeys = map[string]bool{
	"role": true, "content": true, "model": true, "timestamp": true,
}

func (m ExportMessage) MarshalJSON() ([]byte, error) {
	type plain ExportMessage
	return marshalWithExtra(plain(m), m.Extra)
}

func (m *ExportMessage) UnmarshalJSON(data []byte) error {
	type plain ExportMessage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = ExportMessage(p)
	extra, err := extraFields(data, messageKeys)
	if err != nil {
		return err
	}
	m.Extra = extra
	return nil
}

// marshalWithExtra merges preserved unknown fields back into the
// serialized object. Known fields win on collision.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return base, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, known := merged[k]; !known {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}

// extraFields collects the object's fields outside the known set.
func extraFields(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, raw := range all {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = raw
	}
	return extra, nil
}

// encodeExtra serializes preserved fields for the extra column.
func encodeExtra(extra map[string]json.RawMessage) (string, error) {
	if len(extra) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("failed to encode extra fields: %w", err)
	}
	return string(raw), nil
}

func decodeExtra(s string) map[string]json.RawMessage {
	if s == "" {
		return nil
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &extra); err != nil {
		L_warn("store: discarding unreadable extra fields", "error", err)
		return nil
	}
	return extra
}

// ExportMetadata summarizes an archive.
type ExportMetadata struct {
	MessageCount      int      `json:"message_count"`
	UserMessages      int      `json:"user_messages"`
	AssistantMessages int      `json:"assistant_messages"`
	ModelsUsed        []string `json:"models_used"`
}

// Export builds an archive of every conversation, or only those under
// the named topic.
func (s *Store) Export(topic string) (*Export, error) {
	filter := SearchFilter{Topic: topic, Limit: 1 << 30}
	conversations, err := s.Search(filter)
	if err != nil {
		return nil, err
	}

	out := &Export{
		Version:    exportVersion,
		ExportDate: time.Now().UTC(),
	}
	models := map[string]bool{}

	for _, conv := range conversations {
		messages, err := s.exportMessages(conv.ID)
		if err != nil {
			return nil, err
		}

		var convExtra string
		if err := s.db.QueryRow("SELECT extra FROM conversations WHERE id = ?", conv.ID).Scan(&convExtra); err != nil {
			return nil, fmt.Errorf("failed to load conversation extras: %w", err)
		}

		ec := ExportConversation{
			ID:        conv.ID,
			Title:     conv.Title,
			Topic:     conv.Topic,
			Status:    conv.Status,
			CreatedAt: conv.CreatedAt.UTC(),
			UpdatedAt: conv.UpdatedAt.UTC(),
			Messages:  messages,
			Extra:     decodeExtra(convExtra),
		}
		for _, m := range messages {
			out.Metadata.MessageCount++
			switch m.Role {
			case RoleUser:
				out.Metadata.UserMessages++
			case RoleAssistant:
				out.Metadata.AssistantMessages++
			}
			if m.ModelRef != "" {
				models[m.ModelRef] = true
			}
		}
		out.Conversations = append(out.Conversations, ec)
	}

	out.Metadata.ModelsUsed = make([]string, 0, len(models))
	for ref := range models {
		out.Metadata.ModelsUsed = append(out.Metadata.ModelsUsed, ref)
	}
	sort.Strings(out.Metadata.ModelsUsed)

	return out, nil
}

func (s *Store) exportMessages(conversationID string) ([]ExportMessage, error) {
	rows, err := s.db.Query(`
		SELECT role, content, COALESCE(model_ref, ''), timestamp, extra
		FROM messages WHERE conversation_id = ? ORDER BY timestamp, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []ExportMessage{}
	for rows.Next() {
		var m ExportMessage
		var ts int64
		var extra string
		if err := rows.Scan(&m.Role, &m.Content, &m.ModelRef, &ts, &extra); err != nil {
			return nil, err
		}
		m.Timestamp = millisToTime(ts).UTC()
		m.Extra = decodeExtra(extra)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ExportJSON writes an archive to w.
func (s *Store) ExportJSON(w io.Writer, topic string) error {
	export, err := s.Export(topic)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(export)
}

// ImportResult reports what an import brought in. ConversationIDs are
// the freshly-assigned ids, in archive order.
type ImportResult struct {
	Conversations   int      `json:"conversations"`
	Messages        int      `json:"messages"`
	Skipped         int      `json:"skipped"`
	ConversationIDs []string `json:"conversation_ids"`
}

// ImportJSON loads an archive. Imported conversations get fresh ids;
// conversations whose archived id already exists are skipped. Archived
// timestamps, statuses and unrecognized fields are preserved, so a
// round trip through export and import keeps the history intact.
func (s *Store) ImportJSON(r io.Reader) (*ImportResult, error) {
	var in Export
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("failed to parse archive: %w", err)
	}

	if !strings.HasPrefix(in.Version, "1.") {
		return nil, fmt.Errorf("unsupported archive version %q", in.Version)
	}

	result := &ImportResult{ConversationIDs: []string{}}
	for _, conv := range in.Conversations {
		created, messages, err := s.importConversation(conv)
		if err != nil {
			return nil, err
		}
		if created == nil {
			result.Skipped++
			continue
		}
		result.Conversations++
		result.Messages += messages
		result.ConversationIDs = append(result.ConversationIDs, created.ID)
	}

	L_info("store: archive imported",
		"conversations", result.Conversations, "messages", result.Messages, "skipped", result.Skipped)
	return result, nil
}

func (s *Store) importConversation(conv ExportConversation) (*Conversation, int, error) {
	if conv.ID != "" {
		var exists int
		err := s.db.QueryRow("SELECT COUNT(*) FROM conversations WHERE id = ?", conv.ID).Scan(&exists)
		if err != nil {
			return nil, 0, err
		}
		if exists > 0 {
			L_debug("store: import skipping existing conversation", "id", conv.ID)
			return nil, 0, nil
		}
	}

	status := conv.Status
	if status == "" {
		status = StatusActive
	}
	if !ValidStatus(status) {
		return nil, 0, fmt.Errorf("conversation %q: invalid status %q", conv.Title, conv.Status)
	}

	var topicID *int64
	if conv.Topic != "" {
		id, err := s.EnsureTopic(conv.Topic)
		if err != nil {
			return nil, 0, err
		}
		topicID = &id
	}

	now := time.Now()
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := conv.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	convExtra, err := encodeExtra(conv.Extra)
	if err != nil {
		return nil, 0, err
	}

	created := &Conversation{
		ID:        uuid.NewString(),
		Title:     conv.Title,
		Topic:     conv.Topic,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO conversations (id, title, topic_id, status, created_at, updated_at, extra) VALUES (?, ?, ?, ?, ?, ?, ?)",
		created.ID, created.Title, topicID, status, createdAt.UnixMilli(), updatedAt.UnixMilli(), convExtra,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("conversation %q: %w", conv.Title, err)
	}

	count := 0
	for _, m := range conv.Messages {
		role := m.Role
		if role == "" {
			role = RoleUser
		}
		switch role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return nil, 0, fmt.Errorf("conversation %q: invalid role %q", conv.Title, m.Role)
		}
		if role == RoleAssistant && m.ModelRef == "" {
			return nil, 0, fmt.Errorf("conversation %q: assistant message requires a model ref", conv.Title)
		}

		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		var ref any
		if m.ModelRef != "" {
			ref = m.ModelRef
		}
		msgExtra, err := encodeExtra(m.Extra)
		if err != nil {
			return nil, 0, err
		}

		_, err = tx.Exec(
			"INSERT INTO messages (id, conversation_id, role, content, model_ref, timestamp, extra) VALUES (?, ?, ?, ?, ?, ?, ?)",
			uuid.NewString(), created.ID, role, m.Content, ref, ts.UnixMilli(), msgExtra,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("conversation %q: %w", conv.Title, err)
		}
		count++
	}

	// The message-insert trigger bumps updated_at; put the archived
	// timestamps back once the rows are in.
	_, err = tx.Exec("UPDATE conversations SET created_at = ?, updated_at = ? WHERE id = ?",
		createdAt.UnixMilli(), updatedAt.UnixMilli(), created.ID)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}

	s.notify(Event{Type: EventConversationCreated, ConversationID: created.ID})
	return created, count, nil
}
