package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharded4/s4/internal/s4err"
)

func TestSubmitRunsTaskAndDeliversResult(t *testing.T) {
	p := New("test", 2)
	ch, err := Submit(context.Background(), p, time.Second, func(ctx context.Context, started func()) (int, error) {
		started()
		return 42, nil
	})
	require.NoError(t, err)
	res := <-ch
	require.NoError(t, res.Err)
	require.Equal(t, 42, res.Value)
}

func TestSubmitBusyWhenPoolSaturated(t *testing.T) {
	p := New("test", 1)

	block := make(chan struct{})
	_, err := Submit(context.Background(), p, time.Second, func(ctx context.Context, started func()) (int, error) {
		started()
		<-block
		return 0, nil
	})
	require.NoError(t, err)

	_, err = Submit(context.Background(), p, 20*time.Millisecond, func(ctx context.Context, started func()) (int, error) {
		started()
		return 1, nil
	})
	require.Error(t, err)
	se, ok := s4err.As(err)
	require.True(t, ok)
	require.Equal(t, s4err.KindBusy, se.Kind)

	close(block)
}

func TestCancelledTaskNeverRunsAfterBusyTimeout(t *testing.T) {
	p := New("test", 1)

	block := make(chan struct{})
	_, err := Submit(context.Background(), p, time.Second, func(ctx context.Context, started func()) (int, error) {
		started()
		<-block
		return 0, nil
	})
	require.NoError(t, err)

	ran := make(chan struct{})
	_, err = Submit(context.Background(), p, 10*time.Millisecond, func(ctx context.Context, started func()) (int, error) {
		close(ran)
		started()
		return 2, nil
	})
	require.Error(t, err)

	close(block) // free the slot; the cancelled task must not then run

	select {
	case <-ran:
		t.Fatal("cancelled task ran after its start-countdown fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTaskThatNeverSignalsStartedTimesOutBusy(t *testing.T) {
	p := New("test", 1)
	_, err := Submit(context.Background(), p, 20*time.Millisecond, func(ctx context.Context, started func()) (int, error) {
		<-ctx.Done() // never calls started; waits for cancellation instead
		return 0, ctx.Err()
	})
	require.Error(t, err)
	se, ok := s4err.As(err)
	require.True(t, ok)
	require.Equal(t, s4err.KindBusy, se.Kind)
}
