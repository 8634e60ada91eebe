package mplink

import (
	"sync"

	"github.com/rs/zerolog"
)

// spawn runs fn as a cooperative task, tracked by wg and logged under name,
// matching the spawn(name, closure) primitive spec.md's task facility
// describes. Receiver tasks are named do_receive_{i} on the client and
// do_accept_{i} on the server.
func spawn(wg *sync.WaitGroup, log zerolog.Logger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debug().Str("task", name).Msg("task started")
		fn()
		log.Debug().Str("task", name).Msg("task exited")
	}()
}
