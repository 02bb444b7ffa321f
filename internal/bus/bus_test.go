package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
)

func TestChannelBus(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()
	mailbox := "ops@example.com"

	t.Run("publish and subscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		_, err := b.Subscribe(ctx, mailbox, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, mailbox, "test.topic", []byte("hello")))

		select {
		case msg := <-got:
			assert.Equal(t, "hello", string(msg.Payload))
			assert.Equal(t, mailbox, msg.Mailbox)
			assert.Equal(t, "test.topic", msg.Topic)
			assert.NotEmpty(t, msg.ID)
			assert.NotZero(t, msg.Timestamp)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("mailboxes are isolated", func(t *testing.T) {
		var first, second atomic.Int32

		_, err := b.Subscribe(ctx, "first@example.com", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			first.Add(1)
			return nil
		})
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "second@example.com", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			second.Add(1)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, "first@example.com", "isolation.topic", []byte("msg1")))

		require.Eventually(t, func() bool { return first.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), second.Load())
	})

	t.Run("mailbox is required", func(t *testing.T) {
		assert.Error(t, b.Publish(ctx, "", "topic", []byte("data")))

		_, err := b.Subscribe(ctx, "", "topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		assert.Error(t, err)
	})

	t.Run("unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, err := b.Subscribe(ctx, mailbox, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, mailbox, "unsub.topic", []byte("msg1")))
		require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, b.Publish(ctx, mailbox, "unsub.topic", []byte("msg2")))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(1), count.Load())
	})

	t.Run("every subscriber receives", func(t *testing.T) {
		var count1, count2 atomic.Int32
		_, err := b.Subscribe(ctx, mailbox, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, mailbox, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, mailbox, "multi.topic", []byte("broadcast")))
		require.Eventually(t, func() bool {
			return count1.Load() == 1 && count2.Load() == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, b.Ping(ctx))
	})

	t.Run("subscription topic", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, mailbox, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "my.topic", sub.Topic())
	})
}

func TestChannelBusBlocksWhenFull(t *testing.T) {
	b := NewChannelBus(1)
	defer b.Close()

	release := make(chan struct{})
	_, err := b.Subscribe(context.Background(), "box", "slow", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	// One message is held by the handler and one fills the buffer.
	require.NoError(t, b.Publish(context.Background(), "box", "slow", []byte("1")))
	require.NoError(t, b.Publish(context.Background(), "box", "slow", []byte("2")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = b.Publish(ctx, "box", "slow", []byte("3"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(100)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "box", "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.Error(t, b.Publish(ctx, "box", "close.topic", []byte("data")))
	assert.Error(t, b.Ping(ctx))
	_, err = b.Subscribe(ctx, "box", "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})
	assert.Error(t, err)
}

func TestNewBus(t *testing.T) {
	t.Run("channel", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		require.NoError(t, err)
		defer b.Close()
		assert.IsType(t, &ChannelBus{}, b)
	})

	t.Run("default is channel", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{})
		require.NoError(t, err)
		defer b.Close()
		assert.IsType(t, &ChannelBus{}, b)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		assert.Error(t, err)
	})
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "heron.ops@example_com.heron.label.apply", Subject("ops@example.com", domain.TopicLabelApply))
	assert.Equal(t, "heron.shared_inbox.t", Subject("shared inbox", "t"))
	assert.Equal(t, "heron.a_b_.t", Subject("a*b>", "t"))
}

func TestChannelBusHighLoad(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()
	var received atomic.Int32
	const messageCount = 200

	_, err := b.Subscribe(ctx, "load", "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < messageCount; i++ {
		require.NoError(t, b.Publish(ctx, "load", "load.topic", []byte("msg")))
	}

	require.Eventually(t, func() bool {
		return received.Load() == messageCount
	}, 5*time.Second, 10*time.Millisecond)
}

func startNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func TestNATSBus(t *testing.T) {
	srv := startNATSServer(t)

	b, err := New(domain.EventBusConfig{
		Type:              "nats",
		NATSUrl:           srv.ClientURL(),
		NATSMaxReconnects: 1,
		NATSReconnectWait: 1,
	})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Ping(ctx))

	got := make(chan *domain.Message, 1)
	sub, err := b.Subscribe(ctx, "ops@example.com", domain.TopicMessageScored, func(ctx context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TopicMessageScored, sub.Topic())

	var other atomic.Int32
	_, err = b.Subscribe(ctx, "other@example.com", domain.TopicMessageScored, func(ctx context.Context, msg *domain.Message) error {
		other.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "ops@example.com", domain.TopicMessageScored, []byte(`{"score":80}`)))

	select {
	case msg := <-got:
		assert.Equal(t, "ops@example.com", msg.Mailbox)
		assert.JSONEq(t, `{"score":80}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for NATS message")
	}
	assert.Equal(t, int32(0), other.Load())

	assert.Error(t, b.Publish(ctx, "", domain.TopicMessageScored, nil))

	require.NoError(t, sub.Unsubscribe())
	stats := b.(*NATSBus).Stats()
	assert.GreaterOrEqual(t, stats.OutMsgs, uint64(1))
}
