package sim_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/ThomasGoatly/ray/internal/sim"
)

// Tokens recovered by substring counting over the rendered summary.
const (
	driverPID   = "driver pid"
	workerPID   = "worker pid"
	unknownSize = " ? "

	pinnedInMemory    = "PINNED_IN_MEMORY"
	localRef          = "LOCAL_REFERENCE"
	usedByPendingTask = "USED_BY_PENDING_TASK"
	capturedInObject  = "CAPTURED_IN_OBJECT"

	putObj            = "(put object)"
	taskCallObj       = "(task call)"
	actorTaskCallObj  = "(actor call)"
	deserTaskArg      = "(deserialize task arg)"
	deserActorTaskArg = "(deserialize actor task arg)"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCluster(t *testing.T, nodes int) *sim.Cluster {
	t.Helper()
	c, err := sim.NewCluster(sim.Config{Nodes: nodes, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	return c
}

func summarize(t *testing.T, c *sim.Cluster) string {
	t.Helper()
	info, err := c.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	return info
}

func wantCount(t *testing.T, info, substr string, want int) {
	t.Helper()
	if got := memstat.CountLines(info, substr); got != want {
		t.Errorf("count(%q) = %d, want %d\n%s", substr, got, want, info)
	}
}

func wantObjects(t *testing.T, info string, want int) {
	t.Helper()
	if got := memstat.NumObjects(info); got != want {
		t.Errorf("num objects = %d, want %d\n%s", got, want, info)
	}
}

func TestDriverPutRef(t *testing.T) {
	c := newCluster(t, 1)
	driver := c.Driver()

	wantObjects(t, summarize(t, c), 0)

	x := driver.Put(2)
	info := summarize(t, c)
	wantObjects(t, info, 1)
	wantCount(t, info, driverPID, 1)
	wantCount(t, info, workerPID, 0)

	x.Drop()
	wantObjects(t, summarize(t, c), 0)
}

// taskRecorder captures the summary observed from inside a running task.
type taskRecorder struct {
	c    *sim.Cluster
	info string
	err  error
}

func (r *taskRecorder) storeAndSummarize(task *sim.Task) int64 {
	x := task.Put(2)
	r.info, r.err = r.c.Summary(context.Background())
	x.Drop()
	return 4096
}

func TestWorkerTaskRefs(t *testing.T) {
	c := newCluster(t, 1)
	driver := c.Driver()

	rec := &taskRecorder{c: c}
	ret := driver.Call(rec.storeAndSummarize, sim.Value(800000))
	if rec.err != nil {
		t.Fatalf("summary inside task: %v", rec.err)
	}

	// Mid-execution: the driver sees its argument and the pending return,
	// the worker sees the materialized argument and its own put.
	info := rec.info
	wantObjects(t, info, 4)
	wantCount(t, info, taskCallObj, 2)
	wantCount(t, info, driverPID, 1)
	wantCount(t, info, workerPID, 1)
	wantCount(t, info, localRef, 2)
	wantCount(t, info, pinnedInMemory, 1)
	wantCount(t, info, putObj, 1)
	wantCount(t, info, deserTaskArg, 1)
	wantCount(t, info, unknownSize, 1)
	wantCount(t, info, "acceptance_test.go:storeAndSummarize", 1)
	wantCount(t, info, "acceptance_test.go:TestWorkerTaskRefs", 2)

	// Completed: only the return handle remains, size now resolved.
	info = summarize(t, c)
	wantObjects(t, info, 1)
	wantCount(t, info, driverPID, 1)
	wantCount(t, info, taskCallObj, 1)
	wantCount(t, info, unknownSize, 0)
	wantCount(t, info, ret.ID().Hex(), 1)

	ret.Drop()
	wantObjects(t, summarize(t, c), 0)
}

// actorRecorder captures the summary observed from inside an actor method.
type actorRecorder struct {
	c    *sim.Cluster
	info string
	err  error
}

func (r *actorRecorder) summarize(task *sim.Task) int64 {
	r.info, r.err = r.c.Summary(context.Background())
	return 64
}

func retainFirstArg(task *sim.Task) int64 {
	task.RetainArg(0)
	return 64
}

func makeActor(t *testing.T, driver *sim.Proc) *sim.Actor {
	t.Helper()
	actor, err := driver.StartActor("", nil)
	if err != nil {
		t.Fatalf("StartActor: %v", err)
	}
	return actor
}

func TestActorTaskRefs(t *testing.T) {
	c := newCluster(t, 1)
	driver := c.Driver()

	actor := makeActor(t, driver)
	rec := &actorRecorder{c: c}
	ret := actor.Call(rec.summarize, sim.Value(800000))
	if rec.err != nil {
		t.Fatalf("summary inside actor task: %v", rec.err)
	}

	// Mid-execution: actor handle, argument and pending return on the
	// driver, the materialized argument on the actor's worker.
	info := rec.info
	wantObjects(t, info, 4)
	wantCount(t, info, actorTaskCallObj, 3)
	wantCount(t, info, driverPID, 1)
	wantCount(t, info, workerPID, 1)
	wantCount(t, info, localRef, 1)
	wantCount(t, info, pinnedInMemory, 1)
	wantCount(t, info, usedByPendingTask, 2)
	wantCount(t, info, deserActorTaskArg, 1)
	wantCount(t, info, "acceptance_test.go:TestActorTaskRefs", 2)
	wantCount(t, info, "acceptance_test.go:makeActor", 1)
	ret.Drop()

	// Arguments retained by the actor accumulate one row per call; the
	// handle stays the only actor-call-sited row.
	for i := 0; i < 5; i++ {
		r := actor.Call(retainFirstArg, sim.Value(800000))
		r.Drop()
	}
	info = summarize(t, c)
	wantCount(t, info, deserActorTaskArg, 5)
	wantCount(t, info, actorTaskCallObj, 1)

	actor.Stop()
	wantObjects(t, summarize(t, c), 0)
}

func TestNestedObjectRefs(t *testing.T) {
	c := newCluster(t, 1)
	driver := c.Driver()

	x := driver.Put(800000)
	y := driver.PutContainer(64, x)
	z := driver.PutContainer(64, y)
	x.Drop()
	y.Drop()

	info := summarize(t, c)
	wantObjects(t, info, 3)
	wantCount(t, info, localRef, 1)
	wantCount(t, info, capturedInObject, 2)

	// Dropping the outer handle releases the whole chain.
	z.Drop()
	wantObjects(t, summarize(t, c), 0)
}

func TestPinnedObjectCallSite(t *testing.T) {
	c := newCluster(t, 1)
	driver := c.Driver()

	// Local ref only.
	x := driver.Put(800000)
	info := summarize(t, c)
	wantObjects(t, info, 1)
	wantCount(t, info, localRef, 1)
	wantCount(t, info, pinnedInMemory, 0)
	wantCount(t, info, "acceptance_test.go", 1)

	// Local ref plus pinned buffer.
	buf, err := driver.Get(x)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	info = summarize(t, c)
	wantObjects(t, info, 1)
	wantCount(t, info, localRef, 0)
	wantCount(t, info, pinnedInMemory, 1)
	wantCount(t, info, "acceptance_test.go", 1)

	// Just the pinned buffer.
	x.Drop()
	info = summarize(t, c)
	wantObjects(t, info, 1)
	wantCount(t, info, localRef, 0)
	wantCount(t, info, pinnedInMemory, 1)
	wantCount(t, info, "acceptance_test.go", 1)

	// Nothing.
	buf.Release()
	wantObjects(t, summarize(t, c), 0)
}

func putRetainedState(task *sim.Task) {
	task.RetainRef(task.Put(800000))
}

func TestMultiNodeStats(t *testing.T) {
	c := newCluster(t, 2)
	driver := c.Driver()

	a, err := driver.StartActor("node-1", putRetainedState)
	if err != nil {
		t.Fatalf("StartActor node-1: %v", err)
	}
	b, err := driver.StartActor("node-2", putRetainedState)
	if err != nil {
		t.Fatalf("StartActor node-2: %v", err)
	}

	info := summarize(t, c)
	wantCount(t, info, putObj, 2)

	// One put row attributable to each node's actor worker.
	report, err := c.Report(context.Background())
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	for _, node := range report.Nodes {
		puts := 0
		for _, proc := range node.Processes {
			for _, row := range proc.Objects {
				if row.CallKind == "put" {
					puts++
				}
			}
		}
		if puts != 1 {
			t.Errorf("node %s put rows = %d, want 1", node.NodeID, puts)
		}
	}

	a.Stop()
	b.Stop()
	wantObjects(t, summarize(t, c), 0)
}

func noopTask(task *sim.Task) int64 {
	return 16
}

func TestNoLeakMixedWorkload(t *testing.T) {
	c := newCluster(t, 1)
	driver := c.Driver()

	x := driver.Put(1000)
	buf, err := driver.Get(x)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	y := driver.PutContainer(64, x)
	ret := driver.Call(noopTask, sim.Value(2048), sim.ByRef(x))

	if got := memstat.NumObjects(summarize(t, c)); got == 0 {
		t.Fatal("expected live objects mid-workload")
	}

	ret.Drop()
	y.Drop()
	x.Drop()
	buf.Release()
	wantObjects(t, summarize(t, c), 0)
}
