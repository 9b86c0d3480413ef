package room_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/P0W3R97/dnd-tabletop/internal/game/dice"
	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/eventlog"
	"github.com/P0W3R97/dnd-tabletop/internal/game/eventlog/mocks"
	"github.com/P0W3R97/dnd-tabletop/internal/game/room"
	"github.com/P0W3R97/dnd-tabletop/internal/game/rules"
)

// tb is satisfied by both *testing.T and *rapid.T.
type tb interface {
	require.TestingT
	Helper()
}

func openRoom(t tb, id string, log eventlog.Store, logger *zap.Logger, cfg room.Config) *room.Room {
	t.Helper()
	r, err := room.Open(context.Background(), id, room.Deps{
		Log:    log,
		Rules:  rules.Default(),
		Dice:   dice.NewLoggedRoller(dice.NewCryptoSource(), logger),
		Logger: logger,
	}, cfg)
	require.NoError(t, err)
	return r
}

func logSeqs(t tb, log eventlog.Store, roomID string) []uint64 {
	t.Helper()
	events, err := eventlog.Collect(log.ReadFrom(context.Background(), roomID, 1))
	require.NoError(t, err)
	seqs := make([]uint64, 0, len(events))
	for _, e := range events {
		seqs = append(seqs, e.Seq)
	}
	return seqs
}

func emptyLog() iter.Seq2[event.Event, error] {
	return func(func(event.Event, error) bool) {}
}

func TestRoom_Table1DiceScenario(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryStore()
	r := openRoom(t, "table-1", log, zaptest.NewLogger(t), room.Config{})

	res, err := r.Execute(ctx, cmd("A", "j1", event.KindJoin, `{"name":"Alice"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Event.Seq)
	assert.Equal(t, event.KindJoin, res.Event.Kind)

	roll := cmd("A", "r1", event.KindRollDice, `{"sides":20}`)
	first, err := r.Execute(ctx, roll)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, uint64(2), first.Event.Seq)
	ev, err := event.DecodePayload[event.RollDiceEvent](first.Event.Payload)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ev.Result, 1)
	assert.LessOrEqual(t, ev.Result, 20)

	again, err := r.Execute(ctx, roll)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Event, again.Event)
	assert.JSONEq(t, string(first.Event.Payload), string(again.Event.Payload))

	last, err := log.LastSeq(ctx, "table-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestRoom_GhostSetHP(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryStore()
	r := openRoom(t, "r", log, zaptest.NewLogger(t), room.Config{})
	_, err := r.Execute(ctx, cmd("A", "j1", event.KindJoin, `{"name":"Alice"}`))
	require.NoError(t, err)

	_, err = r.Execute(ctx, cmd("A", "h1", event.KindSetHP, `{"target_id":"ghost","delta":-5}`))
	assert.ErrorIs(t, err, event.ErrUnknownTarget)
	assert.Equal(t, event.CodeUnknownTarget, event.CodeOf(err))

	assert.Equal(t, []uint64{1}, logSeqs(t, log, "r"))

	// A rejected command does not consume its event id.
	_, err = r.Execute(ctx, cmd("A", "j2", event.KindJoin, `{"name":"Ghost"}`))
	require.NoError(t, err)
	res, err := r.Execute(ctx, cmd("A", "h1", event.KindSetHP, `{"target_id":"A","delta":-5}`))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, uint64(3), res.Event.Seq)
}

func TestRoom_ConcurrentRetriesYieldOneEvent(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryStore()
	r := openRoom(t, "r", log, zaptest.NewLogger(t), room.Config{})

	const n = 32
	results := make([]room.Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Execute(ctx, cmd("A", "same", event.KindRollDice, `{"sides":100}`))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		if !res.Duplicate {
			fresh++
		}
		assert.Equal(t, results[0].Event, res.Event)
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, []uint64{1}, logSeqs(t, log, "r"))
}

func TestRoom_TotalOrderUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryStore()
	r := openRoom(t, "r", log, zaptest.NewLogger(t), room.Config{})

	const clients, perClient = 8, 25
	var wg sync.WaitGroup
	for c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := fmt.Sprintf("c%d", c)
			for i := range perClient {
				_, err := r.Execute(ctx, cmd(client, fmt.Sprintf("%s-%d", client, i), event.KindChat, fmt.Sprintf(`{"text":"msg %d"}`, i)))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events, err := eventlog.Collect(log.ReadFrom(ctx, "r", 1))
	require.NoError(t, err)
	require.Len(t, events, clients*perClient)

	lastByClient := map[string]int{}
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		var n int
		_, err := fmt.Sscanf(e.EventID[len(e.ClientID)+1:], "%d", &n)
		require.NoError(t, err)
		if prev, ok := lastByClient[e.ClientID]; ok {
			assert.Greater(t, n, prev, "a client's commands keep their submission order")
		}
		lastByClient[e.ClientID] = n
	}
}

func TestRoom_CatchUpContinuity(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryStore()
	r := openRoom(t, "r", log, zaptest.NewLogger(t), room.Config{SubscriberBuffer: 64})

	for i := range 5 {
		_, err := r.Execute(ctx, cmd("A", fmt.Sprintf("pre-%d", i), event.KindChat, `{"text":"before"}`))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 20 {
			_, err := r.Execute(ctx, cmd("B", fmt.Sprintf("live-%d", i), event.KindChat, `{"text":"during"}`))
			assert.NoError(t, err)
		}
	}()

	sub, err := r.Subscribe(ctx, 0)
	require.NoError(t, err)
	wg.Wait()

	var got []uint64
	for e, err := range sub.Replay(ctx) {
		require.NoError(t, err)
		got = append(got, e.Seq)
	}
	assert.Len(t, got, int(sub.UpTo()))

	for len(got) < 25 {
		select {
		case e := <-sub.Live():
			got = append(got, e.Seq)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestRoom_SubscribeAfterSkipsSeenEvents(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryStore()
	r := openRoom(t, "r", log, zaptest.NewLogger(t), room.Config{})
	for i := range 4 {
		_, err := r.Execute(ctx, cmd("A", fmt.Sprint(i), event.KindChat, `{"text":"x"}`))
		require.NoError(t, err)
	}

	sub, err := r.Subscribe(ctx, 2)
	require.NoError(t, err)
	events, err := eventlog.Collect(sub.Replay(ctx))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, 1, r.Subscribers())

	r.Unsubscribe(sub)
	assert.Zero(t, r.Subscribers())
}

func TestRoom_SubscribeAheadOfLogFails(t *testing.T) {
	ctx := context.Background()
	r := openRoom(t, "r", eventlog.NewMemoryStore(), zaptest.NewLogger(t), room.Config{})

	// A client that saw seq 10 of a log that no longer exists.
	_, err := r.Subscribe(ctx, 10)
	require.ErrorIs(t, err, event.ErrResumeAhead)
	assert.Equal(t, event.CodeResumeAhead, event.CodeOf(err))
	assert.Zero(t, r.Subscribers())

	for i := range 3 {
		_, err := r.Execute(ctx, cmd("A", fmt.Sprint(i), event.KindChat, `{"text":"x"}`))
		require.NoError(t, err)
	}
	_, err = r.Subscribe(ctx, 4)
	assert.ErrorIs(t, err, event.ErrResumeAhead)

	sub, err := r.Subscribe(ctx, 3)
	require.NoError(t, err)
	defer r.Unsubscribe(sub)
	events, err := eventlog.Collect(sub.Replay(ctx))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = r.Execute(ctx, cmd("A", "next", event.KindChat, `{"text":"x"}`))
	require.NoError(t, err)
	select {
	case evt := <-sub.Live():
		assert.Equal(t, uint64(4), evt.Seq)
	case <-time.After(time.Second):
		t.Fatal("no live event")
	}
}

func TestRoom_LogsRoomFieldOnce(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.DebugLevel)
	r := openRoom(t, "r", eventlog.NewMemoryStore(), zap.New(core), room.Config{})

	sub, err := r.Subscribe(ctx, 0)
	require.NoError(t, err)
	r.Unsubscribe(sub)

	added := logs.FilterMessage("subscriber added").All()
	require.Len(t, added, 1)
	var rooms []string
	for _, f := range added[0].Context {
		if f.Key == "room" {
			rooms = append(rooms, f.String)
		}
	}
	assert.Equal(t, []string{"r"}, rooms)
}

func TestRoom_OpenRebuildsFromLog(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	first := openRoom(t, "r", log, logger, room.Config{})

	_, err := first.Execute(ctx, cmd("A", "1", event.KindJoin, `{"name":"Alice"}`))
	require.NoError(t, err)
	_, err = first.Execute(ctx, cmd("A", "2", event.KindMoveToken, `{"token_id":"t","x":1,"y":2}`))
	require.NoError(t, err)
	hp, err := first.Execute(ctx, cmd("A", "3", event.KindSetHP, `{"target_id":"A","delta":-4}`))
	require.NoError(t, err)
	before, err := first.Snapshot(ctx)
	require.NoError(t, err)
	first.Close()

	second := openRoom(t, "r", log, logger, room.Config{})
	after, err := second.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Idempotency records are re-derived from the log.
	res, err := second.Execute(ctx, cmd("A", "3", event.KindSetHP, `{"target_id":"A","delta":-4}`))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, hp.Event.Seq, res.Event.Seq)
	assert.Equal(t, hp.Event.Hash, res.Event.Hash)

	next, err := second.Execute(ctx, cmd("A", "4", event.KindChat, `{"text":"back"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Event.Seq)
	assert.Equal(t, hp.Event.Hash, next.Event.PrevHash)
}

func TestRoom_OpenRejectsTamperedLog(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryStore()
	require.NoError(t, log.Append(ctx, "r", event.Event{
		Seq:      1,
		EventID:  "1",
		ClientID: "A",
		Kind:     event.KindJoin,
		Payload:  []byte(`{"client_id":"A","name":"Alice","hit_points":20}`),
		Hash:     "not-a-hash",
	}))

	_, err := room.Open(ctx, "r", room.Deps{
		Log:    log,
		Rules:  rules.Default(),
		Dice:   dice.NewLoggedRoller(dice.NewCryptoSource(), zap.NewNop()),
		Logger: zaptest.NewLogger(t),
	}, room.Config{})
	assert.ErrorIs(t, err, eventlog.ErrIntegrity)
}

func TestRoom_AppendFailureFaultsRoom(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().ReadFrom(gomock.Any(), "r", uint64(1)).Return(emptyLog())
	store.EXPECT().Append(gomock.Any(), "r", gomock.Any()).Return(errors.New("disk on fire"))

	r := openRoom(t, "r", store, zaptest.NewLogger(t), room.Config{})
	ctx := context.Background()

	_, err := r.Execute(ctx, cmd("A", "1", event.KindJoin, `{"name":"Alice"}`))
	assert.ErrorIs(t, err, event.ErrInternalSequencingFault)
	assert.True(t, r.Faulted())

	_, err = r.Execute(ctx, cmd("A", "2", event.KindJoin, `{"name":"Alice"}`))
	assert.ErrorIs(t, err, event.ErrInternalSequencingFault)

	_, err = r.Subscribe(ctx, 0)
	assert.ErrorIs(t, err, event.ErrInternalSequencingFault)

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Players)
	assert.Zero(t, snap.Seq)
}

func TestRoom_SequenceGapFaultsRoom(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().ReadFrom(gomock.Any(), "r", uint64(1)).Return(emptyLog())
	store.EXPECT().Append(gomock.Any(), "r", gomock.Any()).
		Return(fmt.Errorf("append seq 1 after 3: %w", eventlog.ErrSequenceGap))

	r := openRoom(t, "r", store, zaptest.NewLogger(t), room.Config{})
	_, err := r.Execute(context.Background(), cmd("A", "1", event.KindChat, `{"text":"x"}`))
	assert.ErrorIs(t, err, event.ErrInternalSequencingFault)
	assert.ErrorIs(t, err, eventlog.ErrSequenceGap)
	assert.Equal(t, event.CodeInternalSequencingFault, event.CodeOf(err))
}

func TestRoom_QueueTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().ReadFrom(gomock.Any(), "r", uint64(1)).Return(emptyLog())

	entered := make(chan struct{})
	release := make(chan struct{})
	store.EXPECT().Append(gomock.Any(), "r", gomock.Any()).DoAndReturn(
		func(context.Context, string, event.Event) error {
			close(entered)
			<-release
			return nil
		})

	r := openRoom(t, "r", store, zaptest.NewLogger(t), room.Config{QueueTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, cmd("A", "slow", event.KindChat, `{"text":"x"}`))
		done <- err
	}()
	<-entered

	_, err := r.Execute(ctx, cmd("B", "late", event.KindChat, `{"text":"y"}`))
	assert.ErrorIs(t, err, event.ErrQueueTimeout)
	assert.Equal(t, event.CodeQueueTimeout, event.CodeOf(err))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, r.Faulted())
}

func TestRoom_Close(t *testing.T) {
	ctx := context.Background()
	r := openRoom(t, "r", eventlog.NewMemoryStore(), zaptest.NewLogger(t), room.Config{})
	sub, err := r.Subscribe(ctx, 0)
	require.NoError(t, err)

	r.Close()
	r.Close()
	assert.True(t, r.Closed())

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), event.ErrRoomClosed)

	_, err = r.Execute(ctx, cmd("A", "1", event.KindChat, `{"text":"x"}`))
	assert.ErrorIs(t, err, event.ErrRoomClosed)
}

func TestRoom_CloseWaitsForInFlightAppend(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().ReadFrom(gomock.Any(), "r", uint64(1)).Return(emptyLog())

	entered := make(chan struct{})
	release := make(chan struct{})
	store.EXPECT().Append(gomock.Any(), "r", gomock.Any()).DoAndReturn(
		func(context.Context, string, event.Event) error {
			close(entered)
			<-release
			return nil
		})

	r := openRoom(t, "r", store, zaptest.NewLogger(t), room.Config{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, cmd("A", "slow", event.KindChat, `{"text":"x"}`))
		done <- err
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while an append was running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, r.Closed())

	close(release)
	require.NoError(t, <-done)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the append finished")
	}

	_, err := r.Execute(ctx, cmd("B", "after", event.KindChat, `{"text":"y"}`))
	assert.ErrorIs(t, err, event.ErrRoomClosed)
	_, err = r.Snapshot(ctx)
	assert.ErrorIs(t, err, event.ErrRoomClosed)
}

func TestRoom_LookupOutsideSlot(t *testing.T) {
	ctx := context.Background()
	r := openRoom(t, "r", eventlog.NewMemoryStore(), zaptest.NewLogger(t), room.Config{})
	c := cmd("A", "1", event.KindChat, `{"text":"x"}`)

	_, ok := r.Lookup(c)
	assert.False(t, ok)

	res, err := r.Execute(ctx, c)
	require.NoError(t, err)
	got, ok := r.Lookup(c)
	require.True(t, ok)
	assert.Equal(t, res.Event, got)
}

// Property: folding the log from the empty state reproduces the live state.
func TestRoom_ReplayEquivalence_Property(t *testing.T) {
	clients := []string{"a", "b", "c"}
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		log := eventlog.NewMemoryStore()
		r := openRoom(rt, "r", log, zap.NewNop(), room.Config{})

		n := rapid.IntRange(1, 40).Draw(rt, "n")
		for i := range n {
			client := rapid.SampledFrom(clients).Draw(rt, "client")
			var c event.Command
			switch rapid.IntRange(0, 4).Draw(rt, "kind") {
			case 0:
				c = cmd(client, fmt.Sprint(i), event.KindJoin, fmt.Sprintf(`{"name":"%s"}`, client))
			case 1:
				c = cmd(client, fmt.Sprint(i), event.KindChat, `{"text":"hi"}`)
			case 2:
				c = cmd(client, fmt.Sprint(i), event.KindRollDice,
					fmt.Sprintf(`{"sides":%d}`, rapid.IntRange(2, 100).Draw(rt, "sides")))
			case 3:
				c = cmd(client, fmt.Sprint(i), event.KindMoveToken,
					fmt.Sprintf(`{"token_id":"t%d","x":%d,"y":%d}`,
						rapid.IntRange(0, 3).Draw(rt, "token"),
						rapid.IntRange(-5, 5).Draw(rt, "x"),
						rapid.IntRange(-5, 5).Draw(rt, "y")))
			default:
				c = cmd(client, fmt.Sprint(i), event.KindSetHP,
					fmt.Sprintf(`{"target_id":"%s","delta":%d}`,
						rapid.SampledFrom(clients).Draw(rt, "target"),
						rapid.IntRange(-30, 30).Draw(rt, "delta")))
			}
			_, _ = r.Execute(ctx, c)
		}

		live, err := r.Snapshot(ctx)
		require.NoError(rt, err)
		replayed, err := room.Replay(log.ReadFrom(ctx, "r", 1))
		require.NoError(rt, err)
		assert.Equal(rt, live, replayed)
	})
}
