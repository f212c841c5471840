package repository

import (
	"context"
	"time"
)

// DeadLetter 超过最大重试次数被搁置的事件
type DeadLetter struct {
	EventKey  string    `json:"event_key" db:"event_key"`
	Payload   []byte    `json:"payload" db:"payload"`
	Attempts  int       `json:"attempts" db:"attempts"`
	LastError string    `json:"last_error" db:"last_error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DeadLettersRepository 死信存储，按 event_key upsert
type DeadLettersRepository interface {
	UpsertDeadLetter(ctx context.Context, dl DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}
