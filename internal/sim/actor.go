package sim

import (
	"sync"

	"github.com/ThomasGoatly/ray/internal/callsite"
	"github.com/ThomasGoatly/ray/internal/object"
	"github.com/ThomasGoatly/ray/internal/refs"
)

// Actor models a long-lived worker bound to an owner-held handle. The
// handle is backed by a dummy object that stays pending for the actor's
// lifetime; state the actor retains lives until Stop.
type Actor struct {
	c      *Cluster
	owner  *Proc
	worker *Proc
	dummy  object.ID

	mu      sync.Mutex
	state   []func()
	stopped bool
}

// InitFunc runs on the actor's worker during construction. It may retain
// state through the task context.
type InitFunc func(t *Task)

// StartActor creates an actor on the given node ("" places it on the
// caller's node) with a fresh dedicated worker.
func (p *Proc) StartActor(nodeID string, init InitFunc) (*Actor, error) {
	if nodeID == "" {
		nodeID = p.NodeID()
	}
	qualifier := callsite.CallerQualifier(1)

	worker, err := p.c.attachWorker(nodeID)
	if err != nil {
		return nil, err
	}

	dummy := object.New()
	p.c.payloads.store(dummy, 0)
	p.proc.Register(dummy, refs.UsedByPendingTask)
	p.proc.RecordCallSite(dummy, callsite.KindActorTaskCall, qualifier)
	p.proc.ResolveSize(dummy, 0)

	a := &Actor{c: p.c, owner: p, worker: worker, dummy: dummy}
	if init != nil {
		init(&Task{c: p.c, worker: worker, actor: a})
	}
	return a, nil
}

// Worker returns the actor's dedicated worker process.
func (a *Actor) Worker() *Proc {
	return a.worker
}

// Call invokes a method on the actor and blocks until it completes.
func (a *Actor) Call(body TaskFunc, args ...Arg) *ObjectRef {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		a.c.logger.Warn("call on stopped actor ignored", "pid", a.worker.PID())
		return nil
	}
	return a.c.runTask(a.owner, a.worker, a, body, callsite.CallerQualifier(1), args)
}

// Stop kills the actor: retained state is released in reverse order, the
// worker detaches, and the owner's handle clears.
func (a *Actor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	state := a.state
	a.state = nil
	a.mu.Unlock()

	for i := len(state) - 1; i >= 0; i-- {
		state[i]()
	}
	a.c.detachWorker(a.worker)
	a.owner.proc.Unregister(a.dummy, refs.UsedByPendingTask)
}

func (a *Actor) addState(release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = append(a.state, release)
}
