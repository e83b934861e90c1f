package spawner

import (
	"context"

	"github.com/guseggert/apppool/app"
)

// Spawner starts application processes and connects an Instance to each of them.
// Spawner implementations are generally not goroutine-safe.
type Spawner interface {
	// Spawn starts a process serving appRoot and returns once it can accept sessions.
	// ctx bounds startup only; the process lives until Cleanup.
	Spawn(ctx context.Context, appRoot string) (*app.Instance, error)

	// Cleanup closes every spawned instance and waits for the processes to exit.
	Cleanup(ctx context.Context) error
}
