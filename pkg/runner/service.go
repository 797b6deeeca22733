package runner

import "context"

// Service is one component of a process: a broker, a node or the coordinator.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start returns once the service is ready. A service started later may
	// depend on it, e.g. a node connecting to the embedded broker.
	Start(ctx context.Context) error

	// Stop releases what Start acquired. It is called in reverse start order
	// and is bounded by the runner's shutdown timeout.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service

	// HealthCheck returns nil when the service is usable.
	HealthCheck(ctx context.Context) error
}
