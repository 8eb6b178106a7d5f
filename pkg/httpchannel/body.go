package httpchannel

import (
	"io"
	"sync"
)

// bodyQueue is the streaming request body of a control-mode request. Posting
// appends without blocking the caller; the transport reads from the other end.
type bodyQueue struct {
	lock   sync.Mutex
	chunks [][]byte
	err    error
	ready  chan struct{}
}

func newBodyQueue() *bodyQueue {
	return &bodyQueue{ready: make(chan struct{}, 1)}
}

func (q *bodyQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// push appends a chunk. It is ignored once the queue is finished.
func (q *bodyQueue) push(data []byte) {
	if len(data) == 0 {
		return
	}
	q.lock.Lock()
	if q.err == nil {
		q.chunks = append(q.chunks, append([]byte(nil), data...))
	}
	q.lock.Unlock()
	q.signal()
}

// finish ends the body. A nil err is a normal end of body.
func (q *bodyQueue) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	q.lock.Lock()
	if q.err == nil {
		q.err = err
	}
	q.lock.Unlock()
	q.signal()
}

// Read implements io.Reader
func (q *bodyQueue) Read(p []byte) (int, error) {
	for {
		q.lock.Lock()
		if len(q.chunks) > 0 {
			n := copy(p, q.chunks[0])
			if n == len(q.chunks[0]) {
				q.chunks = q.chunks[1:]
			} else {
				q.chunks[0] = q.chunks[0][n:]
			}
			q.lock.Unlock()
			return n, nil
		}
		err := q.err
		q.lock.Unlock()
		if err != nil {
			return 0, err
		}
		<-q.ready
	}
}

// Close implements io.Closer; the transport calls it when it is done with the
// body.
func (q *bodyQueue) Close() error {
	q.finish(io.ErrClosedPipe)
	return nil
}
