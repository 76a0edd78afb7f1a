package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// The topic must live on the writer only; kafka-go rejects a publish outright
// when the message carries one as well, before any broker I/O happens.
func TestPublishLeavesTopicOnWriter(t *testing.T) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP("127.0.0.1:1"),
		Topic:        "orders.lifecycle",
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	t.Cleanup(func() { _ = writer.Close() })

	client := &kafkaClient{writer: writer, topic: "orders.lifecycle", logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Publish(ctx, []byte("1"), []byte(`{"type":"order.created"}`))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "must not be specified",
		"publish must not duplicate the writer topic on the message")
}

func TestNoopClientPublish(t *testing.T) {
	client := noopClient{topic: "orders.lifecycle"}
	require.NoError(t, client.Publish(context.Background(), []byte("1"), []byte("{}")))
	assert.Equal(t, "orders.lifecycle", client.Topic())
}

func TestWrapCopiesMessage(t *testing.T) {
	now := time.Now()
	msg := kafka.Message{
		Topic:  "orders.lifecycle",
		Key:    []byte("7"),
		Value:  []byte(`{"type":"order.status_changed"}`),
		Offset: 42,
		Time:   now,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte("ordercore")},
		},
	}

	wrapped := wrap(msg)
	assert.Equal(t, "orders.lifecycle", wrapped.Topic)
	assert.Equal(t, []byte("7"), wrapped.Key)
	assert.Equal(t, int64(42), wrapped.Offset)
	assert.Equal(t, now, wrapped.Time)
	assert.Equal(t, "ordercore", wrapped.Headers["source"])

	// The wrapped record owns its bytes.
	msg.Key[0] = 'x'
	assert.Equal(t, []byte("7"), wrapped.Key)
}
