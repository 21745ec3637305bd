package notify

import "context"

// Field is one labeled value on a rendered message.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Message is the platform-agnostic rendering of one notification. The chat
// shim maps it onto whatever embed/attachment format its platform uses.
type Message struct {
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	Color       int     `json:"color"`
	Fields      []Field `json:"fields,omitempty"`
	Footer      string  `json:"footer,omitempty"`
	MentionHere bool    `json:"mention_here,omitempty"`
}

// Sink delivers rendered messages to a channel. Post returns a message ref
// that is stored with the issue so a later resolution can update the
// rendering by direct lookup.
type Sink interface {
	Post(ctx context.Context, channelID string, msg Message) (string, error)
	Update(ctx context.Context, ref string, msg Message) error
}
