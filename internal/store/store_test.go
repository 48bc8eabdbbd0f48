package store

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndAppend(t *testing.T) {
	s := testStore(t)

	conv, err := s.CreateConversation("", "dev")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.Topic != "dev" || conv.Status != StatusActive {
		t.Errorf("conversation = %+v", conv)
	}

	if _, err := s.AppendMessage(conv.ID, RoleUser, "how do I use goroutines?", ""); err != nil {
		t.Fatalf("AppendMessage user: %v", err)
	}
	if _, err := s.AppendMessage(conv.ID, RoleAssistant, "like this", "local:qwen3-4b"); err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}

	messages, err := s.GetMessages(conv.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	if messages[0].Role != RoleUser || messages[1].ModelRef != "local:qwen3-4b" {
		t.Errorf("messages = %+v", messages)
	}

	// Title derives from the first user message
	got, err := s.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "how do I use goroutines?" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestAssistantRequiresModelRef(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("t", "")

	if _, err := s.AppendMessage(conv.ID, RoleAssistant, "answer", ""); err == nil {
		t.Error("assistant message without model ref was accepted")
	}
}

func TestInvalidRoleRejected(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("t", "")

	if _, err := s.AppendMessage(conv.ID, "narrator", "meanwhile", ""); err == nil {
		t.Error("invalid role was accepted")
	}
}

func TestAppendToUnknownConversation(t *testing.T) {
	s := testStore(t)
	if _, err := s.AppendMessage("no-such-id", RoleUser, "hello", ""); err == nil {
		t.Error("append to unknown conversation succeeded")
	}
}

func TestUpdatedAtTracksNewestMessage(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("t", "")

	if _, err := s.AppendMessage(conv.ID, RoleUser, "first", ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	msg, err := s.AppendMessage(conv.ID, RoleAssistant, "second", "local:qwen3-4b")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	got, err := s.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.UpdatedAt.Before(msg.Timestamp) {
		t.Errorf("updatedAt %v is before the newest message %v", got.UpdatedAt, msg.Timestamp)
	}
}

func TestSearch(t *testing.T) {
	s := testStore(t)

	dev, _ := s.CreateConversation("", "dev")
	s.AppendMessage(dev.ID, RoleUser, "explain channel deadlocks", "")
	ops, _ := s.CreateConversation("", "ops")
	s.AppendMessage(ops.ID, RoleUser, "why is the disk full", "")

	byText, err := s.Search(SearchFilter{Query: "deadlocks"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byText) != 1 || byText[0].ID != dev.ID {
		t.Errorf("search by text = %+v", byText)
	}

	byTopic, err := s.Search(SearchFilter{Topic: "ops"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byTopic) != 1 || byTopic[0].ID != ops.ID {
		t.Errorf("search by topic = %+v", byTopic)
	}

	none, err := s.Search(SearchFilter{Query: "kubernetes"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("search with no hits = %+v", none)
	}
}

func TestDeleteCascades(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("t", "")
	s.AppendMessage(conv.ID, RoleUser, "hello", "")

	if err := s.DeleteConversation(conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("messages after delete = %d, want 0 (cascade)", count)
	}

	if err := s.DeleteConversation(conv.ID); err == nil {
		t.Error("deleting a deleted conversation succeeded")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := testStore(t)

	conv, _ := s.CreateConversation("", "dev")
	s.AppendMessage(conv.ID, RoleUser, "what is a mutex", "")
	s.AppendMessage(conv.ID, RoleAssistant, "a lock", "anthropic:claude-sonnet")
	other, _ := s.CreateConversation("", "personal")
	s.AppendMessage(other.ID, RoleUser, "dinner ideas", "")

	var buf bytes.Buffer
	if err := s.ExportJSON(&buf, "dev"); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	raw := buf.String()
	if !strings.Contains(raw, `"version": "1.0"`) {
		t.Errorf("export missing version: %s", raw)
	}
	if !strings.Contains(raw, `"model": "anthropic:claude-sonnet"`) {
		t.Errorf("export missing model field: %s", raw)
	}
	if strings.Contains(raw, "dinner ideas") {
		t.Error("topic filter leaked another topic's conversation")
	}

	// Import into a fresh store
	dst := testStore(t)
	result, err := dst.ImportJSON(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}
	if result.Conversations != 1 || result.Messages != 2 {
		t.Errorf("imported %+v, want 1 conversation with 2 messages", result)
	}
	if len(result.ConversationIDs) != 1 || result.ConversationIDs[0] == conv.ID {
		t.Errorf("conversationIDs = %v, want one fresh id", result.ConversationIDs)
	}

	found, err := dst.Search(SearchFilter{Topic: "dev"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("conversations under dev = %d, want 1", len(found))
	}
	messages, _ := dst.GetMessages(found[0].ID)
	if len(messages) != 2 || messages[1].ModelRef != "anthropic:claude-sonnet" {
		t.Errorf("imported messages = %+v", messages)
	}
}

func TestImportRejectsUnknownMajorVersion(t *testing.T) {
	s := testStore(t)
	_, err := s.ImportJSON(strings.NewReader(`{"version":"2.0","conversations":[]}`))
	if err == nil {
		t.Error("2.0 archive was accepted")
	}

	// Any 1.x minor version is fine
	if _, err := s.ImportJSON(strings.NewReader(`{"version":"1.7","conversations":[]}`)); err != nil {
		t.Errorf("1.7 archive rejected: %v", err)
	}
}

func TestImportPreservesUnknownFields(t *testing.T) {
	s := testStore(t)
	archive := `{
		"version": "1.3",
		"some_future_field": {"a": 1},
		"conversations": [
			{"title": "t", "topic": "dev", "shiny": true,
			 "messages": [{"role": "user", "content": "hi", "client": "cli-0.9"}]}
		]
	}`
	result, err := s.ImportJSON(strings.NewReader(archive))
	if err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}
	if result.Conversations != 1 || result.Messages != 1 {
		t.Errorf("result = %+v", result)
	}

	// Fields from a newer 1.x writer survive a re-export
	var buf bytes.Buffer
	if err := s.ExportJSON(&buf, ""); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	raw := buf.String()
	if !strings.Contains(raw, `"shiny":true`) && !strings.Contains(raw, `"shiny": true`) {
		t.Errorf("conversation field dropped on round trip: %s", raw)
	}
	if !strings.Contains(raw, "cli-0.9") {
		t.Errorf("message field dropped on round trip: %s", raw)
	}
}

func TestImportPreservesTimestampsAndStatus(t *testing.T) {
	s := testStore(t)

	created := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 6, 2, 18, 30, 0, 0, time.UTC)
	archive := `{
		"version": "1.0",
		"conversations": [
			{"title": "old thread", "status": "archived",
			 "created_at": "2026-06-01T10:00:00Z",
			 "updated_at": "2026-06-02T18:30:00Z",
			 "messages": [
				{"role": "user", "content": "q", "timestamp": "2026-06-01T10:00:00Z"},
				{"role": "assistant", "content": "a", "model": "local:qwen3-4b",
				 "timestamp": "2026-06-01T10:00:05Z"}
			 ]}
		]
	}`

	result, err := s.ImportJSON(strings.NewReader(archive))
	if err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}
	if len(result.ConversationIDs) != 1 {
		t.Fatalf("conversationIDs = %v", result.ConversationIDs)
	}

	conv, err := s.GetConversation(result.ConversationIDs[0])
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != StatusArchived {
		t.Errorf("status = %q, want archived", conv.Status)
	}
	if !conv.CreatedAt.Equal(created) {
		t.Errorf("createdAt = %v, want %v", conv.CreatedAt, created)
	}
	if !conv.UpdatedAt.Equal(updated) {
		t.Errorf("updatedAt = %v, want the archived value %v", conv.UpdatedAt, updated)
	}

	messages, err := s.GetMessages(conv.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d", len(messages))
	}
	if !messages[0].Timestamp.Equal(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("message timestamp = %v, want the archived value", messages[0].Timestamp)
	}
}

func TestImportRejectsInvalidStatus(t *testing.T) {
	s := testStore(t)
	archive := `{"version":"1.0","conversations":[{"title":"t","status":"deleted","messages":[]}]}`
	if _, err := s.ImportJSON(strings.NewReader(archive)); err == nil {
		t.Error("archive with an unknown status was accepted")
	}
}

func TestImportReusesTopicByName(t *testing.T) {
	s := testStore(t)
	s.CreateConversation("existing", "dev")

	archive := `{"version":"1.0","conversations":[{"title":"new","topic":"dev","messages":[]}]}`
	if _, err := s.ImportJSON(strings.NewReader(archive)); err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Topics != 1 {
		t.Errorf("topics = %d, want 1 (reused by name)", stats.Topics)
	}
	if stats.Conversations != 2 {
		t.Errorf("conversations = %d, want 2", stats.Conversations)
	}
}

func TestSetStatusLifecycle(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("t", "")

	for _, status := range []string{StatusPaused, StatusClosed, StatusArchived, StatusActive} {
		if err := s.SetStatus(conv.ID, status); err != nil {
			t.Fatalf("SetStatus(%s): %v", status, err)
		}
		got, _ := s.GetConversation(conv.ID)
		if got.Status != status {
			t.Errorf("status = %q, want %q", got.Status, status)
		}
	}

	if err := s.SetStatus(conv.ID, "deleted"); err == nil {
		t.Error("unknown status was accepted")
	}
	if err := s.SetStatus("no-such-id", StatusPaused); err == nil {
		t.Error("SetStatus on unknown conversation succeeded")
	}

	s.SetStatus(conv.ID, StatusPaused)
	byStatus, err := s.Search(SearchFilter{Status: StatusPaused})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != conv.ID {
		t.Errorf("search by status = %+v", byStatus)
	}
}

func TestObserverEvents(t *testing.T) {
	s := testStore(t)
	id, events := s.Subscribe()
	defer s.Unsubscribe(id)

	conv, _ := s.CreateConversation("t", "")
	s.AppendMessage(conv.ID, RoleUser, "hello", "")
	s.DeleteConversation(conv.ID)

	want := []EventType{EventConversationCreated, EventMessageAppended, EventConversationDeleted}
	for _, wantType := range want {
		e := <-events
		if e.Type != wantType {
			t.Errorf("event = %s, want %s", e.Type, wantType)
		}
	}
}

func TestStatsByModel(t *testing.T) {
	s := testStore(t)
	conv, _ := s.CreateConversation("t", "")
	s.AppendMessage(conv.ID, RoleUser, "q1", "")
	s.AppendMessage(conv.ID, RoleAssistant, "a1", "local:qwen3-4b")
	s.AppendMessage(conv.ID, RoleUser, "q2", "")
	s.AppendMessage(conv.ID, RoleAssistant, "a2", "local:qwen3-4b")

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Messages != 4 {
		t.Errorf("messages = %d, want 4", stats.Messages)
	}
	if stats.ByModel["local:qwen3-4b"] != 2 {
		t.Errorf("byModel = %+v", stats.ByModel)
	}
}
