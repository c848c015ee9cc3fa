// Package fallback routes secondary-channel messages by address form.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/ports"
)

const telegramPrefix = "telegram:"

// ErrUnsupportedAddress is returned for addresses no channel can serve.
var ErrUnsupportedAddress = errors.New("unsupported fallback address")

// ChatSender delivers to a chat identifier.
type ChatSender interface {
	Send(ctx context.Context, chatID string, msg domain.FallbackMessage) error
}

// MailSender delivers to an e-mail address.
type MailSender interface {
	Send(ctx context.Context, to string, msg domain.FallbackMessage) error
}

// Router implements ports.FallbackSender. "telegram:<chat>" goes to chat,
// addresses containing "@" go to mail.
type Router struct {
	chat ChatSender
	mail MailSender
}

var _ ports.FallbackSender = (*Router)(nil)

// NewRouter wires the channels; either may be nil when not configured.
func NewRouter(chat ChatSender, mail MailSender) *Router {
	return &Router{chat: chat, mail: mail}
}

// SendFallback delivers msg to address over the matching channel.
func (r *Router) SendFallback(ctx context.Context, address string, msg domain.FallbackMessage) error {
	address = strings.TrimSpace(address)
	switch {
	case strings.HasPrefix(address, telegramPrefix):
		if r.chat == nil {
			return fmt.Errorf("%w: telegram is not configured", ErrUnsupportedAddress)
		}
		return r.chat.Send(ctx, strings.TrimPrefix(address, telegramPrefix), msg)
	case strings.Contains(address, "@"):
		if r.mail == nil {
			return fmt.Errorf("%w: email is not configured", ErrUnsupportedAddress)
		}
		return r.mail.Send(ctx, address, msg)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAddress, address)
	}
}

// ValidAddress reports whether address has a routable form.
func ValidAddress(address string) bool {
	address = strings.TrimSpace(address)
	if chat, ok := strings.CutPrefix(address, telegramPrefix); ok {
		return chat != ""
	}
	local, domainPart, ok := strings.Cut(address, "@")
	return ok && local != "" && strings.Contains(domainPart, ".") && !strings.ContainsAny(address, " \r\n")
}
