package tabsplit

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher runs cache and queue writes one at a time on a single owner
// goroutine. Sync confirmations, push events and user writes all funnel
// through it, so a read-modify-write on the cache is never interleaved with
// another writer.
//
// Do must not be called from inside a job; that would deadlock.
type Dispatcher struct {
	log zerolog.Logger

	jobs chan dispatchJob
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type dispatchJob struct {
	fn   func()
	done chan error
}

// NewDispatcher starts the owner goroutine.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		log:  log,
		jobs: make(chan dispatchJob),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case j := <-d.jobs:
			j.done <- d.run(j.fn)
		}
	}
}

func (d *Dispatcher) run(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher job panicked: %v", r)
			d.log.Error().Interface("panic", r).Msg("dispatcher job panicked")
		}
	}()
	fn()
	return nil
}

// Do runs fn on the owner goroutine and waits for it to finish.
func (d *Dispatcher) Do(fn func()) error {
	j := dispatchJob{fn: fn, done: make(chan error, 1)}
	select {
	case d.jobs <- j:
		return <-j.done
	case <-d.stop:
		return ErrClosed
	}
}

// Close stops the owner goroutine. Jobs already accepted finish first.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}
