package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"querychat/agent"
	"querychat/worker"
)

// ConversationMessage is one finalized message in a conversation. Assistant
// messages carry the turn's resolved SQL executions with their merged chart
// specs.
type ConversationMessage struct {
	ID         string               `json:"id"`
	Role       string               `json:"role"` // "user" or "assistant"
	Content    string               `json:"content"`
	Reasoning  string               `json:"reasoning,omitempty"`
	Executions []agent.SQLExecution `json:"executions,omitempty"`
	Followups  []string             `json:"followups,omitempty"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  int64                `json:"created_at"`
}

// Conversation is one chat session over a set of datasets.
type Conversation struct {
	ID        string                `json:"id"`
	UserID    string                `json:"user_id"`
	Title     string                `json:"title"`
	Datasets  []worker.DatasetRef   `json:"datasets,omitempty"`
	Messages  []ConversationMessage `json:"messages"`
	CreatedAt int64                 `json:"created_at"`
	UpdatedAt int64                 `json:"updated_at"`
}

// ConversationService persists conversations as one JSON file per
// conversation under the sessions directory.
type ConversationService struct {
	mu          sync.Mutex
	sessionsDir string
}

func NewConversationService(sessionsDir string) *ConversationService {
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		fmt.Printf("Warning: failed to create sessions directory %s: %v\n", sessionsDir, err)
	}
	return &ConversationService{sessionsDir: sessionsDir}
}

// sanitizeConversationID strips anything that could traverse paths.
// Only alphanumerics, hyphens and underscores survive.
func sanitizeConversationID(id string) string {
	safe := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return -1
	}, id)
	if safe == "" {
		safe = "invalid"
	}
	return safe
}

func (s *ConversationService) conversationPath(id string) string {
	return filepath.Join(s.sessionsDir, sanitizeConversationID(id)+".json")
}

// CreateConversation starts a new conversation for a user.
func (s *ConversationService) CreateConversation(userID, title string, datasets []worker.DatasetRef) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	conv := &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Datasets:  datasets,
		Messages:  []ConversationMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.saveInternal(conv); err != nil {
		return nil, WrapError("ConversationService", "CreateConversation", err)
	}
	return conv, nil
}

// LoadConversation reads one conversation from disk.
func (s *ConversationService) LoadConversation(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadInternal(id)
}

func (s *ConversationService) loadInternal(id string) (*Conversation, error) {
	data, err := os.ReadFile(s.conversationPath(id))
	if err != nil {
		return nil, WrapError("ConversationService", "LoadConversation", fmt.Errorf("conversation not found: %s", id))
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, WrapError("ConversationService", "LoadConversation", fmt.Errorf("failed to parse conversation: %v", err))
	}
	return &conv, nil
}

// ListConversations returns a user's conversations, newest first, with
// message bodies stripped to keep listings light.
func (s *ConversationService) ListConversations(userID string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return []Conversation{}, nil
	}

	var out []Conversation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.sessionsDir, entry.Name()))
		if err != nil {
			continue
		}
		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}
		if conv.UserID != userID {
			continue
		}
		conv.Messages = nil
		out = append(out, conv)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}

// AppendMessage adds a finalized message to a conversation.
func (s *ConversationService) AppendMessage(conversationID string, msg ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadInternal(conversationID)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now().Unix()

	if err := s.saveInternal(conv); err != nil {
		return WrapError("ConversationService", "AppendMessage", err)
	}
	return nil
}

// DeleteConversation removes a conversation file.
func (s *ConversationService) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.conversationPath(id)); err != nil {
		return WrapError("ConversationService", "DeleteConversation", err)
	}
	return nil
}

// saveInternal writes atomically via temp file and rename. Assumes the lock
// is held.
func (s *ConversationService) saveInternal(conv *Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %v", err)
	}

	path := s.conversationPath(conv.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write conversation: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace conversation: %v", err)
	}
	return nil
}

// History converts stored messages into the model message history for the
// next turn. Executions and reasoning stay local; the model only re-reads
// the visible exchange.
func (c *Conversation) History() []*schema.Message {
	out := make([]*schema.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		role := schema.User
		if m.Role == "assistant" {
			role = schema.Assistant
		}
		if m.Content == "" {
			continue
		}
		out = append(out, &schema.Message{Role: role, Content: m.Content})
	}
	return out
}
