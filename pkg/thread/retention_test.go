package thread

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := t0.Add(30 * 24 * time.Hour)

	save := func(id string, state State, updated time.Time, pending bool) {
		th := New(id, t0)
		th.State = state
		th.UpdatedAt = updated
		if pending {
			require.NoError(t, th.AddPending(PendingApproval{CallID: "c1", ThreadID: id}))
		}
		require.NoError(t, store.Save(ctx, th))
	}

	save("old-done", StateCompleted, t0, false)
	save("fresh-done", StateCompleted, now.Add(-time.Hour), false)
	save("old-waiting", StateAwaitingApprovals, t0, true)
	save("old-idle", StateAwaitingModel, t0, false)

	sweeper, err := NewSweeper(SweeperConfig{
		Store:  store,
		MaxAge: 7 * 24 * time.Hour,
		Logger: zerolog.New(io.Discard),
		Now:    func() time.Time { return now },
	})
	require.NoError(t, err)

	deleted, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Load(ctx, "old-done")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	for _, id := range []string{"fresh-done", "old-waiting", "old-idle"} {
		_, err := store.Load(ctx, id)
		assert.NoError(t, err, id)
	}
}

type recordingDeleter struct {
	calls []string
}

func (d *recordingDeleter) DeleteIf(_ context.Context, id string, expired func(*Thread) bool) (bool, error) {
	d.calls = append(d.calls, id)
	return false, nil
}

func TestSweeperUsesDeleter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	th := New("done", t0)
	th.State = StateCompleted
	require.NoError(t, store.Save(ctx, th))

	deleter := &recordingDeleter{}
	sweeper, err := NewSweeper(SweeperConfig{
		Store:   store,
		Deleter: deleter,
		MaxAge:  time.Hour,
		Logger:  zerolog.New(io.Discard),
		Now:     func() time.Time { return t0.Add(2 * time.Hour) },
	})
	require.NoError(t, err)

	deleted, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, []string{"done"}, deleter.calls)
}

func TestNewSweeper(t *testing.T) {
	_, err := NewSweeper(SweeperConfig{})
	assert.Error(t, err)

	_, err = NewSweeper(SweeperConfig{Store: NewMemoryStore(), Schedule: "every tuesday"})
	assert.ErrorContains(t, err, "invalid retention schedule")

	s, err := NewSweeper(SweeperConfig{Store: NewMemoryStore(), Schedule: "*/5 * * * *", Logger: zerolog.New(io.Discard)})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	s.Stop()
	s.Stop()
}
