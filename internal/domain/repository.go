package domain

import "context"

// MessageRepository journals text messages.
type MessageRepository interface {
	Insert(ctx context.Context, m Message) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]Message, error)
}
