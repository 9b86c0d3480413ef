package sqlite_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/P0W3R97/dnd-tabletop/internal/game/dice"
	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/eventlog"
	"github.com/P0W3R97/dnd-tabletop/internal/game/room"
	"github.com/P0W3R97/dnd-tabletop/internal/game/rules"
	"github.com/P0W3R97/dnd-tabletop/internal/storage/sqlite"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sealedChats(t *testing.T, roomID string, n int) []event.Event {
	t.Helper()
	chain := eventlog.NewChain(roomID, "")
	out := make([]event.Event, 0, n)
	for i := 1; i <= n; i++ {
		payload, err := json.Marshal(event.ChatEvent{ClientID: "alice", Text: fmt.Sprintf("line %d", i)})
		require.NoError(t, err)
		evt, err := chain.Seal(event.Event{
			Seq:       uint64(i),
			EventID:   fmt.Sprintf("e%d", i),
			ClientID:  "alice",
			Kind:      event.KindChat,
			Payload:   payload,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
		})
		require.NoError(t, err)
		chain.Commit(evt)
		out = append(out, evt)
	}
	return out
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := sqlite.Open("  ")
	assert.Error(t, err)
}

func TestStore_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "log.db"))
	want := sealedChats(t, "r1", 7)
	for _, evt := range want {
		require.NoError(t, s.Append(ctx, "r1", evt))
	}

	last, err := s.LastSeq(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)

	got, err := eventlog.Collect(s.ReadFrom(ctx, "r1", 0))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	tail, err := eventlog.Collect(s.ReadFrom(ctx, "r1", 6))
	require.NoError(t, err)
	assert.Equal(t, want[5:], tail)

	none, err := eventlog.Collect(s.ReadFrom(ctx, "r1", 8))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_RejectsGapAndRewrite(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "log.db"))
	evts := sealedChats(t, "r1", 3)
	require.NoError(t, s.Append(ctx, "r1", evts[0]))

	assert.ErrorIs(t, s.Append(ctx, "r1", evts[2]), eventlog.ErrSequenceGap)
	assert.ErrorIs(t, s.Append(ctx, "r1", evts[0]), eventlog.ErrSequenceGap)

	last, err := s.LastSeq(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestStore_RoomsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, s.Append(ctx, "a", sealedChats(t, "a", 1)[0]))
	require.NoError(t, s.Append(ctx, "b", sealedChats(t, "b", 1)[0]))

	last, err := s.LastSeq(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, last)
	b, err := eventlog.Collect(s.ReadFrom(ctx, "b", 1))
	require.NoError(t, err)
	require.Len(t, b, 1)
}

func TestStore_ReadsAcrossBatches(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "log.db"))
	for _, evt := range sealedChats(t, "big", 1203) {
		require.NoError(t, s.Append(ctx, "big", evt))
	}
	all, err := eventlog.Collect(s.ReadFrom(ctx, "big", 1))
	require.NoError(t, err)
	require.Len(t, all, 1203)
	for i, evt := range all {
		require.Equal(t, uint64(i+1), evt.Seq)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")
	logger := zaptest.NewLogger(t)
	deps := func(log eventlog.Store) room.Deps {
		return room.Deps{
			Log:    log,
			Rules:  rules.Default(),
			Dice:   dice.NewLoggedRoller(dice.NewCryptoSource(), logger),
			Logger: logger,
		}
	}
	roll := event.Command{ClientID: "A", EventID: "r", Kind: event.KindRollDice, Payload: json.RawMessage(`{"sides":20}`)}

	first, err := sqlite.Open(path)
	require.NoError(t, err)
	r, err := room.Open(ctx, "table-1", deps(first), room.Config{})
	require.NoError(t, err)
	_, err = r.Execute(ctx, event.Command{ClientID: "A", EventID: "j", Kind: event.KindJoin, Payload: json.RawMessage(`{"name":"Alice"}`)})
	require.NoError(t, err)
	rolled, err := r.Execute(ctx, roll)
	require.NoError(t, err)
	r.Close()
	require.NoError(t, first.Close())

	second := openStore(t, path)
	reopened, err := room.Open(ctx, "table-1", deps(second), room.Config{})
	require.NoError(t, err)

	again, err := reopened.Execute(ctx, roll)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, rolled.Event.Seq, again.Event.Seq)
	assert.JSONEq(t, string(rolled.Event.Payload), string(again.Event.Payload))

	state, err := reopened.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.Seq)
	assert.Contains(t, state.Players, "A")
}
