package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides publish/subscribe messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription. The subject may contain wildcards.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus and ends every subscription.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks a publish subject: non-empty tokens, no wildcards,
// no whitespace.
func ValidateSubject(subject string) error {
	if err := validateTokens(subject); err != nil {
		return err
	}
	if strings.ContainsAny(subject, "*>") {
		return ErrInvalidSubject
	}
	return nil
}

// ValidatePattern checks a subscription subject. "*" may stand for any
// single token and ">" for the remaining tokens.
func ValidatePattern(pattern string) error {
	if err := validateTokens(pattern); err != nil {
		return err
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		if tok == ">" && i != len(tokens)-1 {
			return ErrInvalidSubject
		}
		if tok != "*" && tok != ">" && strings.ContainsAny(tok, "*>") {
			return ErrInvalidSubject
		}
	}
	return nil
}

func validateTokens(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether subject matches a subscription pattern.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// SanitizeToken converts an arbitrary string, such as a store key, into a
// single subject token.
func SanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '-'
		}
		return r
	}, s)
}
