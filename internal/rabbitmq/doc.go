// Package rabbitmq holds the broker plumbing behind the RabbitMQ queue
// adapter:
//   - ConnectionManager: owns the connection and redials it with backoff
//   - ChannelPool: hands out confirm-mode channels
//   - TopologyManager: declares work, dead-letter and delay queues
package rabbitmq
