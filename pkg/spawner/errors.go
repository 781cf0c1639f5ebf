package spawner

import "errors"

var (
	// ErrSpawnFailed indicates the backend process failed to start
	ErrSpawnFailed = errors.New("failed to spawn single-user server")

	// ErrTimeout indicates the backend did not start within the deadline
	ErrTimeout = errors.New("spawn timed out")

	// ErrDockerNotAvailable indicates the Docker daemon is unreachable
	ErrDockerNotAvailable = errors.New("docker is not available")

	// ErrNotRunning indicates an operation on a backend that isn't running
	ErrNotRunning = errors.New("single-user server is not running")
)
