package signer

import (
	"context"
	"sync"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
)

type openFunc func(ctx context.Context) (ledger.Transport, ledger.Eth, error)

// session opens the device connection at most once. The outcome, success or
// failure, is kept and handed to every later caller.
type session struct {
	open openFunc
	once sync.Once
	done chan struct{}

	// written once before done is closed
	transport ledger.Transport
	eth       ledger.Eth
	err       error
}

func newSession(open openFunc) *session {
	return &session{open: open, done: make(chan struct{})}
}

// start begins initialization unless it already began. The work runs on a
// context that keeps ctx's values but not its cancellation.
func (s *session) start(ctx context.Context) {
	s.once.Do(func() {
		initCtx := context.WithoutCancel(ctx)
		go func() {
			defer close(s.done)
			s.transport, s.eth, s.err = s.open(initCtx)
		}()
	})
}

// get waits for initialization. Giving up through ctx leaves it running for
// other callers.
func (s *session) get(ctx context.Context) (ledger.Eth, error) {
	s.start(ctx)
	select {
	case <-s.done:
		return s.eth, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ready reports whether initialization finished
func (s *session) ready() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close releases the transport. It waits for an initialization in flight and
// prevents one from starting.
func (s *session) close() error {
	s.once.Do(func() {
		s.err = ErrClosed
		close(s.done)
	})
	<-s.done
	if s.transport != nil {
		return s.transport.Close()
	}
	return nil
}
