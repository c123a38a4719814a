package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/bus/memory"
	"github.com/chenxilol/pricehub/pkg/codec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func topics(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("data-package/svc/FEED%d/0xabc", i)
	}
	return out
}

func noopHandler(string, any, error) {}

func TestSubscribeShardsByCapacity(t *testing.T) {
	broker := memory.NewBroker()
	p := New(broker.Factory(), Config{TopicsPerConnection: 2})
	defer p.Stop()

	require.NoError(t, p.Subscribe(context.Background(), topics(5), noopHandler))

	assert.Equal(t, 3, p.SubscriberCount())
	var sizes []int
	for _, assigned := range p.SubscriberTopics() {
		sizes = append(sizes, len(assigned))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, 3, broker.CreatedConnections())
}

func TestSubscribeFillsFreeCapacityFirst(t *testing.T) {
	broker := memory.NewBroker()
	p := New(broker.Factory(), Config{TopicsPerConnection: 3})
	defer p.Stop()

	all := topics(4)
	require.NoError(t, p.Subscribe(context.Background(), all[:2], noopHandler))
	require.NoError(t, p.Subscribe(context.Background(), all[2:], noopHandler))

	assert.Equal(t, [][]string{all[:3], all[3:]}, p.SubscriberTopics())
}

func TestUnsubscribe(t *testing.T) {
	broker := memory.NewBroker()
	p := New(broker.Factory(), Config{TopicsPerConnection: 2})
	defer p.Stop()

	all := topics(3)
	ctx := context.Background()
	require.NoError(t, p.Subscribe(ctx, all, noopHandler))
	require.Equal(t, 2, broker.ActiveConnections())

	// 未订阅的主题不报错
	require.NoError(t, p.Unsubscribe(ctx, []string{"never/subscribed"}))
	assert.Equal(t, 2, p.SubscriberCount())

	// 第二个连接被清空后关闭
	require.NoError(t, p.Unsubscribe(ctx, []string{all[2], all[0]}))
	assert.Equal(t, [][]string{{all[1]}}, p.SubscriberTopics())
	assert.Equal(t, 1, broker.ActiveConnections())

	require.NoError(t, p.Unsubscribe(ctx, all))
	assert.Equal(t, 0, p.SubscriberCount())
	assert.Equal(t, 0, broker.ActiveConnections())
}

type flakyTransport struct {
	bus.Transport
	unsubscribeErr error
	stopped        atomic.Bool
}

func (f *flakyTransport) Unsubscribe(ctx context.Context, topics []string) error {
	if f.unsubscribeErr != nil {
		return f.unsubscribeErr
	}
	return f.Transport.Unsubscribe(ctx, topics)
}

func (f *flakyTransport) Stop() {
	f.stopped.Store(true)
	f.Transport.Stop()
}

func TestUnsubscribeFailureKeepsConnection(t *testing.T) {
	broker := memory.NewBroker()
	boom := errors.New("boom")

	var created []*flakyTransport
	factory := func(ctx context.Context) (bus.Transport, error) {
		ft := &flakyTransport{Transport: broker.Connect()}
		if len(created) == 0 {
			ft.unsubscribeErr = boom
		}
		created = append(created, ft)
		return ft, nil
	}

	p := New(factory, Config{TopicsPerConnection: 1})
	defer p.Stop()

	all := topics(2)
	ctx := context.Background()
	require.NoError(t, p.Subscribe(ctx, all, noopHandler))

	err := p.Unsubscribe(ctx, all)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, [][]string{{all[0]}}, p.SubscriberTopics())
	assert.False(t, created[0].stopped.Load())
	assert.True(t, created[1].stopped.Load())
}

func TestSubscribeFactoryError(t *testing.T) {
	boom := errors.New("dial failed")
	p := New(func(context.Context) (bus.Transport, error) { return nil, boom }, Config{TopicsPerConnection: 2})

	err := p.Subscribe(context.Background(), topics(1), noopHandler)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, p.Subscribe(context.Background(), topics(1), nil), bus.ErrNoMessageHandler)
}

func TestSubscribeTransportError(t *testing.T) {
	broker := memory.NewBroker()
	broker.FailSubscribe(errors.New("denied"))
	p := New(broker.Factory(), Config{TopicsPerConnection: 2})
	defer p.Stop()

	err := p.Subscribe(context.Background(), topics(1), noopHandler)
	assert.ErrorIs(t, err, bus.ErrSubscribeFailed)
}

func TestPublishShardsByLimit(t *testing.T) {
	broker := memory.NewBroker()
	p := New(broker.Factory(), Config{PublishLimit: 100})
	defer p.Stop()

	var received atomic.Int64
	listener := broker.Connect()
	defer listener.Stop()
	require.NoError(t, listener.Subscribe(context.Background(), []string{"#"}, func(string, any, error) {
		received.Add(1)
	}))

	payloads := make([]bus.Payload, 250)
	for i := range payloads {
		payloads[i] = bus.Payload{Topic: fmt.Sprintf("data-package/svc/F%d/0xabc", i), Data: i}
	}

	require.NoError(t, p.Publish(context.Background(), payloads, codec.DeflateJSON))
	assert.Equal(t, 3, p.PublisherCount())
	assert.Eventually(t, func() bool { return received.Load() == 250 }, 2*time.Second, 10*time.Millisecond)

	// 发布连接不会缩减
	require.NoError(t, p.Publish(context.Background(), payloads[:10], codec.DeflateJSON))
	assert.Equal(t, 3, p.PublisherCount())

	require.NoError(t, p.Publish(context.Background(), nil, codec.DeflateJSON))
}

func TestPublishError(t *testing.T) {
	broker := memory.NewBroker()
	p := New(broker.Factory(), Config{PublishLimit: 1})
	defer p.Stop()

	broker.FailPublish(errors.New("throttled"))
	err := p.Publish(context.Background(), []bus.Payload{{Topic: "a", Data: 1}, {Topic: "b", Data: 2}}, codec.JSON)
	assert.ErrorIs(t, err, bus.ErrPublishFailed)
	assert.Equal(t, 2, p.PublisherCount())
}

func TestStop(t *testing.T) {
	broker := memory.NewBroker()
	p := New(broker.Factory(), Config{TopicsPerConnection: 2, PublishLimit: 1})

	ctx := context.Background()
	require.NoError(t, p.Subscribe(ctx, topics(3), noopHandler))
	require.NoError(t, p.Publish(ctx, []bus.Payload{{Topic: "a", Data: 1}, {Topic: "b", Data: 2}}, codec.JSON))
	require.Equal(t, 4, broker.ActiveConnections())

	p.Stop()
	assert.Equal(t, 0, broker.ActiveConnections())
	assert.Equal(t, 0, p.SubscriberCount())
	assert.Equal(t, 0, p.PublisherCount())

	// 停止后仍可重新使用
	require.NoError(t, p.Subscribe(ctx, topics(1), noopHandler))
	assert.Equal(t, 1, p.SubscriberCount())
	p.Stop()
}

func TestConcurrentSubscribe(t *testing.T) {
	broker := memory.NewBroker()
	p := New(broker.Factory(), Config{TopicsPerConnection: 4})
	defer p.Stop()

	all := topics(40)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		part := all[i*10 : (i+1)*10]
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Subscribe(context.Background(), part, noopHandler))
		}()
	}
	wg.Wait()

	total := 0
	for _, assigned := range p.SubscriberTopics() {
		assert.LessOrEqual(t, len(assigned), 4)
		total += len(assigned)
	}
	assert.Equal(t, 40, total)
	assert.Equal(t, 10, p.SubscriberCount())
}
