package bus

import (
	"errors"
	"strings"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus carries scheduler events and heartbeats between processes.
type MessageBus interface {
	// Publish sends a message to every subscriber whose pattern matches
	// subject. Publishing does not block on slow subscribers.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription. The pattern may use NATS wildcards:
	// "*" matches one token and a trailing ">" matches one or more tokens.
	Subscribe(pattern string) (Subscription, error)

	// Close shuts down the bus and ends every subscription.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the channel of incoming messages.
	// The channel is closed when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels. Messages beyond it are dropped.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks a subject or subscription pattern. Tokens must be
// non-empty and free of whitespace; ">" may only be the last token.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" || strings.ContainsAny(tok, " \t\r\n") {
			return ErrInvalidSubject
		}
		if tok == ">" && i != len(tokens)-1 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether subject matches pattern.
func MatchSubject(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}

// Subject joins tokens into a subject. Characters that would change the
// token structure are replaced with "_".
func Subject(tokens ...string) string {
	clean := make([]string, len(tokens))
	for i, tok := range tokens {
		clean[i] = subjectToken(tok)
	}
	return strings.Join(clean, ".")
}

func subjectToken(tok string) string {
	if tok == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, tok)
}
