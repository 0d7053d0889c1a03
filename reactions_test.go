package atelier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestToggleReaction(t *testing.T) {
	cases := []struct {
		name      string
		current   string
		requested string
		want      string
	}{
		{"none plus fire adds", "", "fire", "fire"},
		{"same type removes", "fire", "fire", ""},
		{"different type replaces", "fire", "clap", "clap"},
		{"empty request removes", "fire", "", ""},
		{"empty on empty stays empty", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, toggleReaction(tc.current, tc.requested))
		})
	}
}

func seededAggregator(t *testing.T) (*ReactionAggregator, *MessageStore) {
	t.Helper()
	s, clock := testStore("u1")
	s.Reconcile(&Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "x", CreatedAt: *clock}, "")
	return NewReactionAggregator(s), s
}

func TestReactionAggregator(t *testing.T) {
	t.Run("apply toggles through the cycle", func(t *testing.T) {
		a, s := seededAggregator(t)

		next, known := a.Apply("m1", "u1", "fire")
		require.True(t, known)
		require.Equal(t, "fire", next)
		require.Equal(t, "fire", s.Get("m1").Reactions["u1"].Type)

		next, _ = a.Apply("m1", "u1", "clap")
		require.Equal(t, "clap", next)

		next, _ = a.Apply("m1", "u1", "clap")
		require.Equal(t, "", next)
		require.NotContains(t, s.Get("m1").Reactions, "u1")
	})

	t.Run("unknown message reports not known", func(t *testing.T) {
		a, _ := seededAggregator(t)
		_, known := a.Apply("missing", "u1", "fire")
		require.False(t, known)
	})

	t.Run("set is idempotent", func(t *testing.T) {
		a, s := seededAggregator(t)

		a.Set("m1", "u2", "fire")
		a.Set("m1", "u2", "fire")
		require.Equal(t, "fire", s.Get("m1").Reactions["u2"].Type)

		a.Set("m1", "u2", "")
		a.Set("m1", "u2", "")
		require.NotContains(t, s.Get("m1").Reactions, "u2")
	})

	t.Run("snapshot replaces the whole map", func(t *testing.T) {
		a, s := seededAggregator(t)
		a.Set("m1", "u1", "fire")
		a.Set("m1", "u9", "clap")

		a.ApplySnapshot("m1", []ReactionEntry{
			{UserID: "u2", Type: "heart", CreatedAt: time.Now()},
		})

		got := s.Get("m1").Reactions
		require.Len(t, got, 1)
		require.Equal(t, "heart", got["u2"].Type)
	})

	t.Run("rollback restores the captured value", func(t *testing.T) {
		a, s := seededAggregator(t)
		a.Set("m1", "u1", "fire")

		a.CapturePrior("t1", "m1", "u1")
		a.Apply("m1", "u1", "clap")
		require.Equal(t, "clap", s.Get("m1").Reactions["u1"].Type)

		a.Rollback("t1")
		require.Equal(t, "fire", s.Get("m1").Reactions["u1"].Type)
	})

	t.Run("rollback restores absence", func(t *testing.T) {
		a, s := seededAggregator(t)

		a.CapturePrior("t1", "m1", "u1")
		a.Apply("m1", "u1", "fire")
		a.Rollback("t1")
		require.NotContains(t, s.Get("m1").Reactions, "u1")
	})

	t.Run("confirm drops the rollback point", func(t *testing.T) {
		a, s := seededAggregator(t)

		a.CapturePrior("t1", "m1", "u1")
		a.Apply("m1", "u1", "fire")
		a.Confirm("t1")

		a.Rollback("t1")
		require.Equal(t, "fire", s.Get("m1").Reactions["u1"].Type)
	})
}
