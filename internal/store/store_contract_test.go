package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// missingID is never handed out by either backend's id sequence.
const missingID int64 = -1

// runDataStoreContract exercises the behavior every DataStore backend shares.
// newStore returns a migrated store. Names are made unique per run so the
// cases also work against a database that outlives the test.
func runDataStoreContract(t *testing.T, newStore func(t *testing.T) DataStore) {
	unique := func(name string) string {
		return name + "-" + uuid.NewString()[:8]
	}

	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Migrate(context.Background()))
		require.NoError(t, s.Ping(context.Background()))
	})

	t.Run("Users", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		name := unique("alice")

		user, err := s.CreateUser(ctx, name, "hash")
		require.NoError(t, err)
		assert.NotZero(t, user.ID)
		assert.Equal(t, name, user.Name)
		assert.Equal(t, "hash", user.PasswordHash)
		assert.False(t, user.CreatedAt.IsZero())

		byName, err := s.GetUserByName(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, user.ID, byName.ID)

		byID, err := s.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, name, byID.Name)

		_, err = s.CreateUser(ctx, name, "other")
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.GetUserByName(ctx, unique("nobody"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetUserByID(ctx, missingID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Rooms", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		owner, err := s.CreateUser(ctx, unique("owner"), "hash")
		require.NoError(t, err)

		room, err := s.CreateRoom(ctx, "general", owner.ID)
		require.NoError(t, err)
		assert.Equal(t, "general", room.Name)
		assert.Equal(t, owner.ID, room.CreatedBy)
		assert.False(t, room.Deleted())

		require.NoError(t, s.SoftDeleteRoom(ctx, room.ID))
		got, err := s.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		require.True(t, got.Deleted())
		first := *got.DeletedAt

		require.NoError(t, s.SoftDeleteRoom(ctx, room.ID))
		got, err = s.GetRoom(ctx, room.ID)
		require.NoError(t, err)
		assert.True(t, first.Equal(*got.DeletedAt), "second delete keeps the original time")

		assert.ErrorIs(t, s.SoftDeleteRoom(ctx, missingID), ErrNotFound)
		_, err = s.GetRoom(ctx, missingID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Members", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		alice, err := s.CreateUser(ctx, unique("alice"), "hash")
		require.NoError(t, err)
		bob, err := s.CreateUser(ctx, unique("bob"), "hash")
		require.NoError(t, err)
		room, err := s.CreateRoom(ctx, "general", alice.ID)
		require.NoError(t, err)

		ma, err := s.JoinMember(ctx, room.ID, alice.ID)
		require.NoError(t, err)
		assert.True(t, ma.Active())
		mb, err := s.JoinMember(ctx, room.ID, bob.ID)
		require.NoError(t, err)

		again, err := s.JoinMember(ctx, room.ID, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, ma.ID, again.ID, "joining twice keeps one membership")

		count, err := s.CountActiveMembers(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		require.NoError(t, s.SoftDeleteMember(ctx, mb.ID))
		removed, err := s.GetMemberByID(ctx, mb.ID)
		require.NoError(t, err)
		assert.False(t, removed.Active())

		count, err = s.CountActiveMembers(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		back, err := s.JoinMember(ctx, room.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, mb.ID, back.ID)
		assert.True(t, back.Active(), "rejoining reactivates the membership")

		got, err := s.GetMember(ctx, room.ID, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, ma.ID, got.ID)

		_, err = s.GetMember(ctx, room.ID, missingID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.SoftDeleteMember(ctx, missingID), ErrNotFound)
	})

	t.Run("UpdateLastJoinedAt", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		user, err := s.CreateUser(ctx, unique("alice"), "hash")
		require.NoError(t, err)
		room, err := s.CreateRoom(ctx, "general", user.ID)
		require.NoError(t, err)
		member, err := s.JoinMember(ctx, room.ID, user.ID)
		require.NoError(t, err)

		require.NoError(t, s.UpdateLastJoinedAt(ctx, room.ID, member.ID))
		got, err := s.GetMemberByID(ctx, member.ID)
		require.NoError(t, err)
		assert.False(t, got.LastJoinedAt.Before(member.LastJoinedAt))

		assert.ErrorIs(t, s.UpdateLastJoinedAt(ctx, missingID, member.ID), ErrNotFound)
	})

	t.Run("Messages", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		user, err := s.CreateUser(ctx, unique("alice"), "hash")
		require.NoError(t, err)
		room, err := s.CreateRoom(ctx, "general", user.ID)
		require.NoError(t, err)
		other, err := s.CreateRoom(ctx, "random", user.ID)
		require.NoError(t, err)
		member, err := s.JoinMember(ctx, room.ID, user.ID)
		require.NoError(t, err)
		otherMember, err := s.JoinMember(ctx, other.ID, user.ID)
		require.NoError(t, err)

		require.NoError(t, s.AddMessage(ctx, room.ID, member.ID, "first"))
		require.NoError(t, s.AddMessage(ctx, room.ID, member.ID, "second"))
		require.NoError(t, s.AddMessage(ctx, other.ID, otherMember.ID, "elsewhere"))

		messages, err := s.ListMessagesSince(ctx, room.ID, time.Unix(0, 0))
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "first", messages[0].Body)
		assert.Equal(t, "second", messages[1].Body)
		assert.Equal(t, member.ID, messages[0].SenderID)
		assert.Equal(t, room.ID, messages[0].RoomID)

		none, err := s.ListMessagesSince(ctx, room.ID, time.Now().Add(24*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, none)
		assert.NotNil(t, none)
	})

	t.Run("MessageRequiresMember", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		user, err := s.CreateUser(ctx, unique("alice"), "hash")
		require.NoError(t, err)
		room, err := s.CreateRoom(ctx, "general", user.ID)
		require.NoError(t, err)

		assert.Error(t, s.AddMessage(ctx, room.ID, missingID, "ghost"))
	})
}
