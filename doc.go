// Package peerwire is a peer-to-peer messaging layer over websockets. Every
// message is a JSON envelope of protocol, key, id, data and exception, and
// the protocol picks the module that handles it.
//
// A Peer bundles one Channel with the three client modules that share it:
//
//   - RPC: expose named functions and call the ones the other side exposes,
//     optionally exclusive so a function runs one call at a time in arrival
//     order.
//   - Queue: push items into named queues held by the other side, with or
//     without acknowledgement.
//   - Topics: subscribe, unsubscribe and publish through the hub, optionally
//     suppressing delivery back to the publisher.
//
// A Hub is the server end. It hands every websocket session an identity,
// enforces the connection limit, routes topics between sessions and shares
// publications with other hubs over a Watermill backplane. The backplane is
// picked by Config.PubSubSystem:
//   - channel: in-process Go channels, the default
//   - nats: NATS core
//   - kafka: Kafka with a consumer group per hub
//   - rabbitmq: AMQP fan-out with a queue per hub
//   - redis: Redis pub/sub
//   - aws: SNS topics with an SQS queue per hub
//
// Import the transports you need, or all of them through
// github.com/drblury/peerwire/transport/transports.
//
// Correlated requests time out with ErrTimeout, fail with ErrClosed when the
// channel goes away and surface remote failures as *RemoteError.
package peerwire
