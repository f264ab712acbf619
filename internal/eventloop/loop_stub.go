//go:build !linux

package eventloop

import "errors"

type Source int

const (
	SourceNone Source = iota
	SourceWakeup
	SourceTimer
	SourceOther
)

type Result struct {
	Source  Source
	FD      int
	DeltaUS uint32
	NextUS  uint32
}

// Loop is an inert stand-in on non-Linux platforms (epoll/timerfd/eventfd
// are Linux-only, as is SocketCAN).
type Loop struct{}

func New(intervalUS uint32) (*Loop, error) {
	return nil, errors.New("eventloop: not supported on this platform")
}

func (l *Loop) Close()                         {}
func (l *Loop) RegisterRead(fd int) error      { return errors.New("eventloop: stub") }
func (l *Loop) RegisterOneShot(fd int) error   { return errors.New("eventloop: stub") }
func (l *Loop) Rearm(fd int) error             { return errors.New("eventloop: stub") }
func (l *Loop) Unregister(fd int) error        { return errors.New("eventloop: stub") }
func (l *Loop) TriggerWakeup() error           { return errors.New("eventloop: stub") }
func (l *Loop) Wait() Result                   { return Result{} }
func (l *Loop) ConsumeEvent(fd int) bool       { return false }
func (l *Loop) FinishIteration(next uint32)    {}
