package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// LogMessenger is a Messenger that only logs. Useful for local runs and tests
// where no messaging platform is wired.
type LogMessenger struct {
	logger *slog.Logger
}

func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	return &LogMessenger{logger: logger}
}

func (m *LogMessenger) Send(ctx context.Context, conversationID, platform, content string) (string, error) {
	id := uuid.NewString()
	m.logger.InfoContext(ctx, "message sent",
		"conversation_id", conversationID,
		"platform", platform,
		"message_id", id,
		"length", len(content))
	return id, nil
}

// StaticAIClient answers every prompt with a fixed response. It stands in for
// a real model client in local runs and tests.
type StaticAIClient struct {
	Response string
}

func (a *StaticAIClient) Complete(ctx context.Context, prompt string, conversation []ChatMessage) (string, error) {
	if a.Response != "" {
		return a.Response, nil
	}
	return fmt.Sprintf("ack: %s", prompt), nil
}

// MemoryCRM is an in-memory CRM backend. It keeps enough state for tag
// idempotence and conversation lookups; everything else is logged.
type MemoryCRM struct {
	mu       sync.Mutex
	logger   *slog.Logger
	tags     map[string]bool // "target/targetID/tagID"
	messages map[string][]ChatMessage
	platform map[string]string
}

func NewMemoryCRM(logger *slog.Logger) *MemoryCRM {
	return &MemoryCRM{
		logger:   logger,
		tags:     make(map[string]bool),
		messages: make(map[string][]ChatMessage),
		platform: make(map[string]string),
	}
}

// SeedConversation registers a conversation's platform and history.
func (c *MemoryCRM) SeedConversation(conversationID, platform string, history []ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.platform[conversationID] = platform
	c.messages[conversationID] = history
}

func (c *MemoryCRM) UpdateCustomer(ctx context.Context, customerID string, updates map[string]any) error {
	c.logger.InfoContext(ctx, "customer updated", "customer_id", customerID, "fields", len(updates))
	return nil
}

func (c *MemoryCRM) AssignConversation(ctx context.Context, conversationID, userID string) error {
	c.logger.InfoContext(ctx, "conversation assigned", "conversation_id", conversationID, "user_id", userID)
	return nil
}

func (c *MemoryCRM) AddTag(ctx context.Context, target, targetID, tagID string) error {
	key := tagKey(target, targetID, tagID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tags[key] {
		return nil
	}
	c.tags[key] = true
	c.logger.InfoContext(ctx, "tag added", "target", target, "target_id", targetID, "tag_id", tagID)
	return nil
}

func (c *MemoryCRM) RemoveTag(ctx context.Context, target, targetID, tagID string) error {
	key := tagKey(target, targetID, tagID)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tags, key)
	c.logger.InfoContext(ctx, "tag removed", "target", target, "target_id", targetID, "tag_id", tagID)
	return nil
}

func (c *MemoryCRM) HasTag(target, targetID, tagID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tags[tagKey(target, targetID, tagID)]
}

func (c *MemoryCRM) CreateOrder(ctx context.Context, customerID, conversationID string) (string, error) {
	id := uuid.NewString()
	c.logger.InfoContext(ctx, "order created", "order_id", id, "customer_id", customerID, "conversation_id", conversationID)
	return id, nil
}

func (c *MemoryCRM) RecentMessages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history, ok := c.messages[conversationID]
	if !ok {
		return nil, nil
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]ChatMessage, len(history))
	copy(out, history)
	return out, nil
}

func (c *MemoryCRM) ConversationPlatform(ctx context.Context, conversationID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.platform[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

func tagKey(target, targetID, tagID string) string {
	return target + "/" + targetID + "/" + tagID
}
