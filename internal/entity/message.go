package entity

import "fmt"

// Message field names. Messages are immutable once created: every content
// field carries the immutable rule, so any divergence between two copies of
// the same message is a fatal integrity violation. "Editing" a message is
// modeled as a new message whose reply_to references the original.
const (
	MessageFieldSubject = "subject"
	MessageFieldBody    = "body"
	MessageFieldAuthor  = "author"
	MessageFieldReplyTo = "reply_to"
)

func init() {
	Register(&Collection{
		Type: "ms",
		Dir:  "messages",
		Rules: map[string]FieldRule{
			MessageFieldSubject: {Strategy: StrategyImmutable},
			MessageFieldBody:    {Strategy: StrategyImmutable},
			MessageFieldAuthor:  {Strategy: StrategyImmutable},
			MessageFieldReplyTo: {Strategy: StrategyImmutable},
		},
		// Unknown fields on a message are still immutable: nothing about
		// a sent message may change.
		DefaultRule:  FieldRule{Strategy: StrategyImmutable},
		ValidateFunc: validateMessage,
	})
}

func validateMessage(f Fields) error {
	if f.String(MessageFieldSubject) == "" && f.String(MessageFieldBody) == "" {
		return fmt.Errorf("message requires a subject or a body")
	}
	if f.String(MessageFieldAuthor) == "" {
		return fmt.Errorf("message author is required")
	}
	return nil
}
