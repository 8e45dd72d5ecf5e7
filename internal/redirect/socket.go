// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package redirect

import (
	"sync/atomic"

	"grimm.is/meshredirect/internal/errors"
)

var (
	ErrQueueFull    = errors.New(errors.KindUnavailable, "socket queue full")
	ErrSocketClosed = errors.New(errors.KindUnavailable, "socket closed")
)

// QueueSocket is an in-process Socket backed by bounded queues, one per
// direction. It is the redirect target used when the datapath runs in user
// space.
type QueueSocket struct {
	cookie  uint64
	ingress chan []byte
	egress  chan []byte
	closed  atomic.Bool
}

// NewQueueSocket creates a socket whose queues hold depth messages each.
func NewQueueSocket(cookie uint64, depth int) *QueueSocket {
	if depth < 1 {
		depth = 1
	}
	return &QueueSocket{
		cookie:  cookie,
		ingress: make(chan []byte, depth),
		egress:  make(chan []byte, depth),
	}
}

func (s *QueueSocket) Cookie() uint64 { return s.cookie }

// Deliver copies msg onto the selected queue. A full queue fails instead of
// blocking.
func (s *QueueSocket) Deliver(msg []byte, ingress bool) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	q := s.egress
	if ingress {
		q = s.ingress
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case q <- buf:
		return nil
	default:
		return ErrQueueFull
	}
}

// Ingress returns messages redirected into the socket's receive path.
func (s *QueueSocket) Ingress() <-chan []byte { return s.ingress }

// Egress returns messages redirected into the socket's send path.
func (s *QueueSocket) Egress() <-chan []byte { return s.egress }

// Close makes further deliveries fail. Queued messages stay readable.
func (s *QueueSocket) Close() {
	s.closed.Store(true)
}
