// Package transports imports all built-in backplanes for auto-registration.
// Import this package to have every backplane registered with the default
// registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/peerwire/transport/aws"
	_ "github.com/drblury/peerwire/transport/channel"
	_ "github.com/drblury/peerwire/transport/kafka"
	_ "github.com/drblury/peerwire/transport/nats"
	_ "github.com/drblury/peerwire/transport/rabbitmq"
	_ "github.com/drblury/peerwire/transport/redis"
)
