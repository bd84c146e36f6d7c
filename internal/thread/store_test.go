package thread_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dynoinc/billstream/internal/storage/schema/dto"
	"github.com/dynoinc/billstream/internal/storage/storagetest"
	"github.com/dynoinc/billstream/internal/thread"
)

func msgs(n int) []dto.Message {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]dto.Message, 0, n)
	for i := range n {
		role := dto.RoleUser
		if i%2 == 1 {
			role = dto.RoleAssistant
		}
		out = append(out, dto.Message{Role: role, Content: fmt.Sprintf("message %d", i), CreatedAt: now})
	}
	return out
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := thread.NewStore(storagetest.NewPool(t), thread.Config{MaxMessages: 200})
	owner := store.ForOwner("owner-a")

	empty, err := owner.Load(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, empty.Messages)
	require.Zero(t, empty.MessageCount)

	saved, err := owner.Save(ctx, "chat-1", msgs(2), 0)
	require.NoError(t, err)
	require.Equal(t, 2, saved.MessageCount)

	loaded, err := owner.Load(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, 2, loaded.MessageCount)
	require.True(t, dto.IsPrefix(msgs(2), loaded.Messages))

	next, err := owner.Append(ctx, loaded, msgs(4)[2:]...)
	require.NoError(t, err)
	require.Equal(t, 4, next.MessageCount)
}

func TestSaveRejectsStaleExpectedCount(t *testing.T) {
	ctx := context.Background()
	store := thread.NewStore(storagetest.NewPool(t), thread.Config{})
	owner := store.ForOwner("owner-a")

	_, err := owner.Save(ctx, "chat-1", msgs(2), 0)
	require.NoError(t, err)

	_, err = owner.Save(ctx, "chat-1", msgs(4), 0)
	var conflict *thread.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, 0, conflict.Expected)
	require.Equal(t, 2, conflict.Actual)

	loaded, err := owner.Load(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, 2, loaded.MessageCount)

	_, err = owner.Save(ctx, "chat-1", msgs(4), 2)
	require.NoError(t, err)
}

func TestConcurrentTurnsOneWins(t *testing.T) {
	ctx := context.Background()
	store := thread.NewStore(storagetest.NewPool(t), thread.Config{})
	owner := store.ForOwner("owner-a")

	base, err := owner.Save(ctx, "chat-1", msgs(2), 0)
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := range 2 {
		go func() {
			turn := dto.Message{Role: dto.RoleUser, Content: fmt.Sprintf("turn from request %d", i)}
			_, err := owner.Append(ctx, base, turn)
			errs <- err
		}()
	}

	var ok, conflicts int
	for range 2 {
		err := <-errs
		var conflict *thread.ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)

	loaded, err := owner.Load(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, 3, loaded.MessageCount)
}

func TestSaveRejectsHistoryRewrite(t *testing.T) {
	ctx := context.Background()
	store := thread.NewStore(storagetest.NewPool(t), thread.Config{})
	owner := store.ForOwner("owner-a")

	_, err := owner.Save(ctx, "chat-1", msgs(2), 0)
	require.NoError(t, err)

	forged := slices.Clone(msgs(3))
	forged[1].Content = "something the assistant never said"
	_, err = owner.Save(ctx, "chat-1", forged, 2)
	require.ErrorIs(t, err, thread.ErrHistoryRewrite)

	// Shrinking is a rewrite too.
	_, err = owner.Save(ctx, "chat-1", msgs(1), 2)
	require.ErrorIs(t, err, thread.ErrHistoryRewrite)

	loaded, err := owner.Load(ctx, "chat-1")
	require.NoError(t, err)
	require.True(t, dto.IsPrefix(msgs(2), loaded.Messages))
}

func TestSaveEnforcesCap(t *testing.T) {
	ctx := context.Background()
	store := thread.NewStore(storagetest.NewPool(t), thread.Config{MaxMessages: 4})
	owner := store.ForOwner("owner-a")

	_, err := owner.Save(ctx, "chat-1", msgs(4), 0)
	require.NoError(t, err)

	_, err = owner.Save(ctx, "chat-1", msgs(5), 4)
	var capacity *thread.CapacityError
	require.ErrorAs(t, err, &capacity)
	require.Equal(t, 4, capacity.Limit)

	loaded, err := owner.Load(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, 4, loaded.MessageCount)
}

func TestOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := thread.NewStore(storagetest.NewPool(t), thread.Config{})

	_, err := store.ForOwner("owner-a").Save(ctx, "shared-key", msgs(2), 0)
	require.NoError(t, err)

	other := store.ForOwner("owner-b")
	loaded, err := other.Load(ctx, "shared-key")
	require.NoError(t, err)
	require.Empty(t, loaded.Messages)

	// owner-b gets its own row under the same key.
	_, err = other.Save(ctx, "shared-key", msgs(1), 0)
	require.NoError(t, err)

	a, err := store.ForOwner("owner-a").Load(ctx, "shared-key")
	require.NoError(t, err)
	require.Equal(t, 2, a.MessageCount)
}
