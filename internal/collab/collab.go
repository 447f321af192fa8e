package collab

import (
	"context"
	"errors"
)

// ErrNotFound is returned by collaborators when a referenced entity
// (conversation, customer, tag) does not exist. Node handlers translate it
// into a warning result rather than a run failure.
var ErrNotFound = errors.New("entity not found")

// ChatMessage is one turn of conversation history passed to the AI collaborator.
type ChatMessage struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// Messenger sends outbound messages through the platform integrations
// (WhatsApp, Instagram, TikTok, email). Owned by the host application.
type Messenger interface {
	Send(ctx context.Context, conversationID, platform, content string) (messageID string, err error)
}

// AIClient generates text completions. Failures are primary side effects:
// the ai_response node propagates them as node failures.
type AIClient interface {
	Complete(ctx context.Context, prompt string, conversation []ChatMessage) (string, error)
}

// CRM exposes the customer/conversation/tag/order operations the engine's
// side-effecting nodes need. All mutations are owned by the host application;
// the engine never touches those tables directly.
type CRM interface {
	UpdateCustomer(ctx context.Context, customerID string, updates map[string]any) error
	AssignConversation(ctx context.Context, conversationID, userID string) error

	// AddTag is idempotent: tagging an already-tagged entity is a no-op.
	AddTag(ctx context.Context, target, targetID, tagID string) error
	RemoveTag(ctx context.Context, target, targetID, tagID string) error

	CreateOrder(ctx context.Context, customerID, conversationID string) (orderID string, err error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error)
	ConversationPlatform(ctx context.Context, conversationID string) (string, error)
}
