package link

import (
	"time"
)

const readBufferSize = 4096

// reader is the goroutine that pulls bytes from one link. It re-checks its
// stop signal at least once per poll interval.
type reader struct {
	stop chan struct{}
	done chan struct{}
	err  error
}

type deliverFunc func(id int, p []byte)

func startReader(id int, l Link, poll time.Duration, deliver deliverFunc, failed func(*reader)) *reader {
	r := &reader{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		if l.Mode() == ManualReading {
			r.err = r.runManual(id, l, poll, deliver)
		} else {
			r.err = r.runAuto(id, l, deliver)
		}
		close(r.done)
		if r.err != nil && failed != nil {
			failed(r)
		}
	}()
	return r
}

func (r *reader) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *reader) runAuto(id int, l Link, deliver deliverFunc) error {
	buf := make([]byte, readBufferSize)
	for !r.stopped() {
		n, err := l.Read(buf)
		if n > 0 {
			deliver(id, buf[:n])
		}
		if err != nil {
			if r.stopped() {
				return nil
			}
			return err
		}
	}
	return nil
}

func (r *reader) runManual(id int, l Link, poll time.Duration, deliver deliverFunc) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var buf []byte
	for {
		select {
		case <-r.stop:
			return nil
		case <-l.Ready():
		case <-ticker.C:
		}
		want := min(l.BytesAvailable(), MaxManualRead)
		if want <= 0 {
			continue
		}
		if cap(buf) < want {
			buf = make([]byte, want)
		}
		n, err := l.Read(buf[:want])
		if n > 0 {
			deliver(id, buf[:n])
		}
		if err != nil {
			if r.stopped() {
				return nil
			}
			return err
		}
	}
}

// halt signals the loop and waits at most wait for it to exit. It reports
// whether the loop exited in time.
func (r *reader) halt(wait time.Duration) bool {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	if wait <= 0 {
		wait = DefaultCloseWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-r.done:
		return true
	case <-timer.C:
		return false
	}
}
