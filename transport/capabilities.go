package transport

// Capabilities describes the delivery guarantees of a backplane.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string `json:"name"`

	// SupportsOrdering indicates publications on one topic arrive in order.
	SupportsOrdering bool `json:"supports_ordering"`

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool `json:"supports_ack"`

	// SupportsNack indicates the transport redelivers negatively
	// acknowledged messages.
	SupportsNack bool `json:"supports_nack"`

	// AtLeastOnce indicates a message may be delivered more than once, so
	// consumers have to deduplicate.
	AtLeastOnce bool `json:"at_least_once"`

	// Distributed indicates publications reach other processes.
	Distributed bool `json:"distributed"`

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64 `json:"max_message_size"`
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RequiresDeduplication reports whether consumers may see duplicates.
func (c Capabilities) RequiresDeduplication() bool {
	return c.AtLeastOnce
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-process gochannel backplane.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsAck:      true,
		AtLeastOnce:      true,
		Distributed:      true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		AtLeastOnce:      true,
		Distributed:      true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		Distributed:    true,
		MaxMessageSize: 1048576, // Default 1MB
	}

	// RedisCapabilities for Redis Pub/Sub.
	RedisCapabilities = Capabilities{
		Name:             "redis",
		SupportsOrdering: true,
		Distributed:      true,
	}

	// AWSCapabilities for AWS SNS/SQS.
	AWSCapabilities = Capabilities{
		Name:           "aws",
		SupportsAck:    true,
		SupportsNack:   true,
		AtLeastOnce:    true,
		Distributed:    true,
		MaxMessageSize: 262144, // 256KB
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
