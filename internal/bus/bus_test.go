package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hive/pkg/models"
)

func msg(id, recipient string, typ models.MessageType) models.Message {
	return models.Message{ID: id, Type: typ, Recipient: recipient, CorrelationID: "t1"}
}

func drain(s *Subscription) []string {
	var ids []string
	for {
		select {
		case m, ok := <-s.C():
			if !ok {
				return ids
			}
			ids = append(ids, m.ID)
		default:
			return ids
		}
	}
}

func TestPublish_RoutesByPredicate(t *testing.T) {
	b := New()
	w1 := b.Subscribe("w1", ForRecipient("w1"))
	w2 := b.Subscribe("w2", ForRecipient("w2"))
	coord := b.Subscribe("coordinator", ForTypes(models.MessageResult, models.MessageError))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, msg("d1", "w1", models.MessageDispatch)))
	require.NoError(t, b.Publish(ctx, msg("d2", "w2", models.MessageDispatch)))
	require.NoError(t, b.Publish(ctx, msg("r1", "coordinator", models.MessageResult)))

	assert.Equal(t, []string{"d1"}, drain(w1))
	assert.Equal(t, []string{"d2"}, drain(w2))
	assert.Equal(t, []string{"r1"}, drain(coord))
}

func TestPublish_PreservesOrderPerSubscriber(t *testing.T) {
	b := New(WithMaxPending(100))
	s := b.Subscribe("w1", All())

	var want []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("m%02d", i)
		want = append(want, id)
		require.NoError(t, b.Publish(context.Background(), msg(id, "w1", models.MessageDispatch)))
	}
	assert.Equal(t, want, drain(s))
}

func TestPublish_FullQueueFailsAfterRetries(t *testing.T) {
	b := New(WithMaxPending(1), WithDeliveryRetries(2, time.Millisecond))
	full := b.Subscribe("slow", All())
	ok := b.Subscribe("fast", ForTypes(models.MessageDispatch))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, msg("m1", "", models.MessageDispatch)))
	drain(ok)

	err := b.Publish(ctx, msg("m2", "", models.MessageDispatch))
	require.ErrorIs(t, err, ErrBusDeliveryFailure)
	assert.Contains(t, err.Error(), "slow")

	assert.Equal(t, []string{"m1"}, drain(full))
	assert.Equal(t, []string{"m2"}, drain(ok), "other subscribers still receive the message")
}

func TestPublish_RetryWaitsForConsumer(t *testing.T) {
	b := New(WithMaxPending(1), WithDeliveryRetries(5, 20*time.Millisecond))
	s := b.Subscribe("w1", All())
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, msg("m1", "", models.MessageDispatch)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		<-s.C()
	}()
	require.NoError(t, b.Publish(ctx, msg("m2", "", models.MessageDispatch)))
	wg.Wait()
	assert.Equal(t, []string{"m2"}, drain(s))
}

func TestPublish_DuplicateInjectionIsSeeded(t *testing.T) {
	run := func() []string {
		b := New(WithDuplicateRate(0.5, 7))
		s := b.Subscribe("c", All())
		for i := 0; i < 20; i++ {
			require.NoError(t, b.Publish(context.Background(), msg(fmt.Sprintf("m%d", i), "", models.MessageResult)))
		}
		return drain(s)
	}
	first, second := run(), run()
	assert.Equal(t, first, second)
	assert.Greater(t, len(first), 20, "some messages should be duplicated")
}

func TestTapSeesEveryPublish(t *testing.T) {
	var seen []string
	b := New(WithTap(TapFunc(func(m models.Message) { seen = append(seen, m.ID) })))
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, msg("a", "", models.MessageHeartbeat)))
	require.NoError(t, b.Publish(ctx, msg("b", "", models.MessageHeartbeat)))
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestClose(t *testing.T) {
	b := New()
	s := b.Subscribe("w1", All())
	s.Close()
	s.Close()
	_, open := <-s.C()
	assert.False(t, open)

	other := b.Subscribe("w2", All())
	b.Close()
	_, open = <-other.C()
	assert.False(t, open)
	assert.ErrorIs(t, b.Publish(context.Background(), msg("x", "", models.MessageResult)), ErrClosed)

	late := b.Subscribe("late", All())
	_, open = <-late.C()
	assert.False(t, open)
}
