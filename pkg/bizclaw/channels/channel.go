// Package channels defines the interfaces and types for BizClaw messaging
// channels. The platform API clients (WhatsApp, Telegram, Outlook) live
// outside this repository; the core only needs to resolve a tenant to a
// sender and push text back to users.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Sender delivers outbound text for one tenant's resolved channel.
type Sender interface {
	// SendText sends a text message and returns the platform message ID.
	SendText(ctx context.Context, recipient, text string) (string, error)
}

// Resolver maps tenants to their configured messaging channel.
type Resolver interface {
	// ResolveForTenant returns the sender for the tenant's active channel.
	ResolveForTenant(tenantID string) (Sender, error)

	// RecipientID returns the platform recipient for a tenant user
	// (e.g. a WhatsApp JID derived from the user's phone).
	RecipientID(tenantID, userKey string) (string, error)
}

// IncomingMessage represents a message received from any channel, already
// normalized by the channel adapter.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel
	// (WhatsApp message id, Telegram update id). Used for dedup.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// TenantID is the resolved tenant the message belongs to.
	TenantID string

	// From is the sender identifier on the platform (e.g. phone).
	From string

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// Errors.
var (
	ErrChannelUnavailable = fmt.Errorf("no channel configured for tenant")
	ErrSendFailed         = fmt.Errorf("failed to send message")
)
