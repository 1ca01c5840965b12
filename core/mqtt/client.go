package mqtt

import "context"

// MessageHandler processes one inbound message. Returning an error for
// which IsTransient is true asks the transport to reconnect; any other
// error is logged by the transport and otherwise ignored.
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// Client is the publish/subscribe surface used by the message channel.
type Client interface {
	// Publish blocks until the broker acknowledges the message at the given
	// QoS, the context ends, or the client gives up.
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error

	// Subscribe registers h for topic. Subscriptions are restored after
	// every reconnect.
	Subscribe(topic string, qos byte, h MessageHandler) error
}
