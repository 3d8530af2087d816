package worker

import "sync"

const pipeBuffer = 64

type pipeEnd struct {
	in   chan Message
	out  chan Message
	done chan struct{}
	once *sync.Once
}

// NewPipe returns the two ends of an in-process connection. Closing either
// end terminates both, the way terminating a worker tears down its channel.
func NewPipe() (ui Port, wrk Port) {
	toWorker := make(chan Message, pipeBuffer)
	toUI := make(chan Message, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: toUI, out: toWorker, done: done, once: once},
		&pipeEnd{in: toWorker, out: toUI, done: done, once: once}
}

func (p *pipeEnd) Send(msg Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Recv() <-chan Message  { return p.in }
func (p *pipeEnd) Done() <-chan struct{} { return p.done }

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
