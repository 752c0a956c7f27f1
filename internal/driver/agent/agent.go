// Package agent defines the cooperative single-threaded duty-cycle loop
// shared by the Conductor, Sender, and Receiver. Grounded on nonchalant's
// internal/svc/relay/task.go Task/BaseTask lifecycle (Start/Stop/IsRunning
// over a stopChan), generalized from "one task per relay" to a fixed
// 3-agent runner whose work function reports how much work it did so the
// shared idlestrategy.Strategy can decide whether to back off.
package agent

import (
	"sync"
	"sync/atomic"

	"mediadriver/internal/driver/idlestrategy"
)

// Agent is one of the driver's three duty-cycle loops.
type Agent interface {
	// DoWork performs one unit of work and returns how many distinct
	// things it handled (frames sent, commands drained, NAKs processed).
	// Returning 0 tells the runner this cycle was idle.
	DoWork() int
	// OnClose releases resources (sockets, mmaps) when the runner stops.
	OnClose()
	// RoleName identifies the agent in logs.
	RoleName() string
}

// Runner drives one Agent on its own goroutine until Stop is called.
type Runner struct {
	agent    Agent
	idle     idlestrategy.Strategy
	stopChan chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewRunner constructs a Runner for agent using idle as its backoff
// strategy between empty duty cycles.
func NewRunner(a Agent, idle idlestrategy.Strategy) *Runner {
	return &Runner{agent: a, idle: idle, stopChan: make(chan struct{})}
}

// Start launches the duty cycle on its own goroutine. It is a no-op if
// already running.
func (r *Runner) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.loop()
}

func (r *Runner) loop() {
	defer r.wg.Done()
	defer r.agent.OnClose()
	for {
		select {
		case <-r.stopChan:
			return
		default:
		}
		workCount := r.agent.DoWork()
		r.idle.Idle(workCount)
	}
}

// Stop signals the duty cycle to exit and blocks until its goroutine has
// returned and OnClose has run.
func (r *Runner) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
}

// IsRunning reports whether the duty cycle is currently active.
func (r *Runner) IsRunning() bool { return r.running.Load() }
