// Package runtime is a thin capability interface over the container engine.
// It carries no orchestration logic: every call maps to one engine
// operation, honors the caller's context deadline, and is safe to retry.
package runtime

import "context"

// Limits are the resource limits applied to a component's container.
type Limits struct {
	CPUShares   int64 `json:"cpu_shares,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
}

// CreateOptions shape the container created for a component.
type CreateOptions struct {
	Limits Limits

	// Ports are published port specs in host:container[/proto] form.
	Ports []string
}

// Status is the engine-reported status of a container.
type Status struct {
	Running  bool `json:"running"`
	Healthy  bool `json:"healthy"`
	ExitCode int  `json:"exit_code"`
}

// Usage is a point-in-time resource usage sample for a container.
type Usage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	NetworkRx   uint64  `json:"network_rx"`
	NetworkTx   uint64  `json:"network_tx"`
}

// Runtime is the adapter contract against the container engine.
//
// Calls are idempotent-safe to retry: stopping an already-stopped container
// or removing a missing one is a no-op success, not an error. No call blocks
// past ctx's deadline; on expiry the underlying operation is cancelled and
// ErrTimeout reported.
type Runtime interface {
	// Pull fetches imageRef from its registry.
	Pull(ctx context.Context, imageRef string) error

	// Create creates a container for componentID from imageRef and returns
	// the container ID. The container is labeled so it can be recovered
	// after a supervisor restart.
	Create(ctx context.Context, componentID, imageRef string, opts CreateOptions) (string, error)

	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error

	// Inspect reports the container's running/health status.
	Inspect(ctx context.Context, containerID string) (Status, error)

	// Stats reports a resource usage sample.
	Stats(ctx context.Context, containerID string) (Usage, error)

	// RemoveImage deletes a pulled image. Used to discard the superseded
	// image after a committed update, or the new one after a rollback.
	RemoveImage(ctx context.Context, imageRef string) error
}
