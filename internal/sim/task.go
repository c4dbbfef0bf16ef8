package sim

import (
	"github.com/ThomasGoatly/ray/internal/callsite"
	"github.com/ThomasGoatly/ray/internal/object"
	"github.com/ThomasGoatly/ray/internal/refs"
)

// TaskFunc is a task body. Its return value is the byte length of the
// task's return payload.
type TaskFunc func(t *Task) int64

// Arg is one task-call argument.
type Arg struct {
	ref  *ObjectRef
	size int64
}

// Value passes an inline payload of the given size; submission stores it
// as an object attributed to the call site, used only by the pending task.
func Value(size int64) Arg { return Arg{size: size} }

// ByRef passes an existing handle. The owner keeps its local reference;
// the pending task adds its own retention for the duration.
func ByRef(ref *ObjectRef) Arg { return Arg{ref: ref} }

// Call submits a task executing body on the caller's node and blocks until
// it completes. The returned handle exists from the moment of submission;
// its payload size resolves at completion.
func (p *Proc) Call(body TaskFunc, args ...Arg) *ObjectRef {
	worker, err := p.c.taskWorkerFor(p.NodeID())
	if err != nil {
		p.c.logger.Error("task worker unavailable", "error", err)
		return nil
	}
	return p.c.runTask(p, worker, nil, body, callsite.CallerQualifier(1), args)
}

func (c *Cluster) runTask(owner, worker *Proc, actor *Actor, body TaskFunc, qualifier string, args []Arg) *ObjectRef {
	callKind := callsite.KindTaskCall
	deserKind := callsite.KindDeserializeTaskArg
	if actor != nil {
		callKind = callsite.KindActorTaskCall
		deserKind = callsite.KindDeserializeActorTaskArg
	}

	// Owner-side argument rows.
	argIDs := make([]object.ID, len(args))
	for i, a := range args {
		if a.ref != nil {
			argIDs[i] = a.ref.id
			owner.proc.Register(a.ref.id, refs.UsedByPendingTask)
			continue
		}
		id := object.New()
		c.payloads.store(id, a.size)
		owner.proc.Register(id, refs.UsedByPendingTask)
		owner.proc.RecordCallSite(id, callKind, qualifier)
		owner.proc.ResolveSize(id, a.size)
		argIDs[i] = id
	}

	// Eager return registration: the handle is live before the body runs;
	// the size stays unknown until completion.
	retID := object.New()
	owner.proc.Register(retID, refs.LocalReference)
	owner.proc.RecordCallSite(retID, callKind, qualifier)

	// Worker-side materialization of the arguments.
	task := &Task{c: c, worker: worker, actor: actor, args: make([]taskArg, len(args))}
	store := worker.node().Store()
	for i, id := range argIDs {
		size, _ := c.payloads.SizeOf(id)
		store.Pin(id, worker.PID(), size)
		worker.proc.Pin(id)
		worker.proc.RecordCallSite(id, deserKind, "")
		task.args[i] = taskArg{id: id, size: size}
	}

	retSize := body(task)

	// Unwind: the worker drops argument pins it did not retain, then the
	// owner's pending-task retentions clear.
	for _, a := range task.args {
		if a.retained {
			continue
		}
		worker.proc.Unpin(a.id)
		store.Unpin(a.id, worker.PID())
	}
	for _, id := range argIDs {
		owner.proc.Unregister(id, refs.UsedByPendingTask)
	}

	// Completion: the return payload now exists with a known size.
	c.payloads.store(retID, retSize)
	owner.proc.ResolveSize(retID, retSize)

	return &ObjectRef{id: retID, owner: owner}
}

type taskArg struct {
	id       object.ID
	size     int64
	retained bool
}

// Task is the worker-side execution context of one task or actor method.
type Task struct {
	c      *Cluster
	worker *Proc
	actor  *Actor
	args   []taskArg
}

// Put stores a payload owned by the executing worker.
func (t *Task) Put(size int64) *ObjectRef {
	return t.worker.put(size, callsite.KindPut, callsite.CallerQualifier(1))
}

// PutContainer stores a worker-owned payload capturing the given children.
func (t *Task) PutContainer(size int64, children ...*ObjectRef) *ObjectRef {
	ref := t.worker.put(size, callsite.KindPut, callsite.CallerQualifier(1))
	ids := make([]object.ID, len(children))
	for i, child := range children {
		ids[i] = child.id
	}
	t.worker.proc.AddContained(ref.id, ids...)
	return ref
}

// RetainArg keeps the materialized argument alive in the actor past the
// end of the call. Outside an actor task it is ignored.
func (t *Task) RetainArg(i int) {
	if t.actor == nil {
		t.c.logger.Warn("retain outside an actor task ignored")
		return
	}
	a := &t.args[i]
	if a.retained {
		return
	}
	a.retained = true
	id, w := a.id, t.worker
	t.actor.addState(func() {
		w.proc.Unpin(id)
		w.node().Store().Unpin(id, w.PID())
	})
}

// RetainRef moves a worker-held handle into actor state; the actor drops
// it when stopped. Outside an actor task it is ignored.
func (t *Task) RetainRef(ref *ObjectRef) {
	if t.actor == nil {
		t.c.logger.Warn("retain outside an actor task ignored")
		return
	}
	t.actor.addState(ref.Drop)
}
