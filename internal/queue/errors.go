package queue

import "errors"

// Repository errors.
var (
	ErrEventNotFound           = errors.New("queue event not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already exists")
)
