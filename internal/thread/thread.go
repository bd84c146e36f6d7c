// Package thread persists conversation history per (owner, state key).
//
// Every query runs as the billstream_tenant role with the owner bound into the
// session, so row level security decides visibility. Callers never pass an
// owner id per query: they get an Adapter already bound to one.
package thread

import (
	"errors"
	"fmt"

	"github.com/dynoinc/billstream/internal/storage/schema/dto"
)

const DefaultMaxMessages = 200

// ErrHistoryRewrite is returned when a save would change or drop messages that
// are already stored. Threads only grow.
var ErrHistoryRewrite = errors.New("thread history can only be appended to")

// ConflictError means the stored message count moved since the caller loaded
// the thread. Nothing was written; reload and decide.
type ConflictError struct {
	StateKey string
	Expected int
	Actual   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("thread %q: expected %d stored messages, found %d", e.StateKey, e.Expected, e.Actual)
}

// CapacityError means the write would exceed the message cap. Nothing was written.
type CapacityError struct {
	StateKey string
	Limit    int
	Count    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("thread %q: %d messages exceeds limit of %d", e.StateKey, e.Count, e.Limit)
}

type Config struct {
	MaxMessages int `split_words:"true" default:"200"`
}

type Thread struct {
	StateKey     string        `json:"state_key"`
	Messages     []dto.Message `json:"messages"`
	MessageCount int           `json:"message_count"`
}
