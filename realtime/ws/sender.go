package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// CloseSlowConsumer is the close code used when a peer cannot keep up with
// the frames queued for it.
const CloseSlowConsumer = websocket.CloseInternalServerErr // 1011

var ErrSenderClosed = errors.New("sender closed")

// ErrSlowConsumer is the sticky error after an overflow close.
var ErrSlowConsumer = errors.New("slow consumer")

type sendReq struct {
	messageType int
	data        []byte
}

// Sender serializes writes to a websocket through a bounded in-memory queue.
// Enqueue never blocks: if the queue limit would be exceeded, the peer is
// judged too slow and the connection is closed with CloseSlowConsumer.
// All writes to a connection must go through its Sender.
type Sender struct {
	conn *Conn

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []sendReq
	head   int
	bytes  int
	max    int
	closed bool
	err    error

	done chan struct{}
}

// NewSender starts a write pump for conn. maxQueuedBytes bounds the queue;
// zero or negative means unbounded.
func NewSender(conn *Conn, maxQueuedBytes int) *Sender {
	s := &Sender{conn: conn, max: maxQueuedBytes, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// SendText enqueues a text frame.
func (s *Sender) SendText(data []byte) error {
	return s.enqueue(websocket.TextMessage, data)
}

// SendBinary enqueues a binary frame.
func (s *Sender) SendBinary(data []byte) error {
	return s.enqueue(websocket.BinaryMessage, data)
}

func (s *Sender) enqueue(messageType int, data []byte) error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if s.max > 0 && s.bytes+len(data) > s.max {
		s.closeLocked(ErrSlowConsumer)
		s.mu.Unlock()
		_ = s.conn.CloseWithStatus(CloseSlowConsumer, "slow consumer")
		return ErrSlowConsumer
	}
	s.queue = append(s.queue, sendReq{messageType: messageType, data: data})
	s.bytes += len(data)
	s.cond.Signal()
	s.mu.Unlock()
	return nil
}

func (s *Sender) pump() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for !s.closed && s.head >= len(s.queue) {
			s.cond.Wait()
		}
		if s.head >= len(s.queue) {
			s.mu.Unlock()
			return
		}
		req := s.queue[s.head]
		s.queue[s.head] = sendReq{}
		s.head++
		if s.head > 1024 && s.head*2 > len(s.queue) {
			s.queue = append([]sendReq(nil), s.queue[s.head:]...)
			s.head = 0
		}
		s.mu.Unlock()

		err := s.conn.WriteMessage(context.Background(), req.messageType, req.data)

		s.mu.Lock()
		s.bytes -= len(req.data)
		if err != nil && !s.closed {
			s.closeLocked(err)
		}
		s.cond.Broadcast()
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Sender) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	if err == nil {
		err = ErrSenderClosed
	}
	s.err = err
	s.cond.Broadcast()
}

// Close sends a close frame with the given status once the pending queue has
// drained, then tears down the connection. Safe to call more than once.
func (s *Sender) Close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Let queued frames flush before the close frame goes out.
	for s.head < len(s.queue) {
		s.cond.Wait()
		if s.closed {
			s.mu.Unlock()
			return
		}
	}
	s.closeLocked(ErrSenderClosed)
	s.mu.Unlock()
	_ = s.conn.CloseWithStatus(code, reason)
}

// Abort tears down the connection without flushing queued frames.
func (s *Sender) Abort() {
	s.mu.Lock()
	s.closeLocked(ErrSenderClosed)
	s.mu.Unlock()
	_ = s.conn.Close()
}

// Done is closed once the write pump has stopped.
func (s *Sender) Done() <-chan struct{} { return s.done }

// Err reports why the sender stopped, nil while it is running.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return s.err
}
