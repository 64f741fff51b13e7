package call

import (
	"github.com/rs/zerolog/log"
)

// task is one unit of work on the session loop. Document change
// notifications, transport events and timer fires all become tasks, so
// negotiation steps are processed strictly in arrival order and never
// interleave.
type task func()

const inboxBuffer = 512

// post enqueues fn onto the session loop. Safe from any goroutine; a post
// after the loop stopped is dropped.
func (s *CallSession) post(fn task) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.tasks <- fn:
	case <-s.quit:
	}
}

// run is the single consumer. Everything that touches negotiation state
// executes here.
func (s *CallSession) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			// Drain what is already queued so a Leave posted last still
			// executes.
			for {
				select {
				case fn := <-s.tasks:
					fn()
				default:
					return
				}
			}
		case fn := <-s.tasks:
			fn()
		}
	}
}

// call posts fn and waits for it to finish, returning its error. Used by
// the public API so intents appear synchronous to callers while still
// executing on the loop.
func (s *CallSession) call(fn func() error) error {
	errCh := make(chan error, 1)
	s.post(func() { errCh <- fn() })
	select {
	case err := <-errCh:
		return err
	case <-s.done:
		log.Warn().Str("module", "call").Str("room", string(s.room)).Msg("call after session loop exit")
		return ErrSessionClosed
	}
}
