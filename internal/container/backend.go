package container

import "context"

// Backend is the capability contract for the container or orchestration
// runtime. A single-host runtime and a cluster scheduler both satisfy it;
// the Manager does not care which. Implementations report a missing
// identifier by wrapping ErrNotFound and an unreachable runtime with
// BackendUnavailableError.
type Backend interface {
	Create(ctx context.Context, id string, spec Spec) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (State, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	Remove(ctx context.Context, id string) error
}
