// Package callsite attributes stored objects to the call kind and user code
// location that created them.
package callsite

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/ThomasGoatly/ray/internal/object"
)

// Kind classifies how an object came into existence.
type Kind int

const (
	KindUnknown Kind = iota
	KindPut
	KindTaskCall
	KindActorTaskCall
	KindDeserializeTaskArg
	KindDeserializeActorTaskArg
)

// Label returns the parenthesized label used in rendered reports.
func (k Kind) Label() string {
	switch k {
	case KindPut:
		return "(put object)"
	case KindTaskCall:
		return "(task call)"
	case KindActorTaskCall:
		return "(actor call)"
	case KindDeserializeTaskArg:
		return "(deserialize task arg)"
	case KindDeserializeActorTaskArg:
		return "(deserialize actor task arg)"
	default:
		return "(unknown)"
	}
}

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindTaskCall:
		return "task_call"
	case KindActorTaskCall:
		return "actor_task_call"
	case KindDeserializeTaskArg:
		return "deserialize_task_arg"
	case KindDeserializeActorTaskArg:
		return "deserialize_actor_task_arg"
	default:
		return "unknown"
	}
}

// KindFromString inverts String. Unrecognized values map to KindUnknown
// with an error.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "put":
		return KindPut, nil
	case "task_call":
		return KindTaskCall, nil
	case "actor_task_call":
		return KindActorTaskCall, nil
	case "deserialize_task_arg":
		return KindDeserializeTaskArg, nil
	case "deserialize_actor_task_arg":
		return KindDeserializeActorTaskArg, nil
	case "unknown", "":
		return KindUnknown, nil
	default:
		return KindUnknown, fmt.Errorf("unknown call kind %q", s)
	}
}

// Site is the immutable creation record for one object: where in user code
// it was created and through which path. Qualifier is attribution only,
// never identity.
type Site struct {
	Kind      Kind
	Qualifier string
}

// Recorder stores at most one Site per object. The first record wins;
// later records for the same object are ignored.
type Recorder struct {
	mu    sync.RWMutex
	sites map[object.ID]Site
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{sites: make(map[object.ID]Site)}
}

// Record attaches the creation site for id. Returns false if a site was
// already recorded, in which case nothing changes.
func (r *Recorder) Record(id object.ID, kind Kind, qualifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sites[id]; ok {
		return false
	}
	r.sites[id] = Site{Kind: kind, Qualifier: qualifier}
	return true
}

// Lookup returns the recorded site for id.
func (r *Recorder) Lookup(id object.ID) (Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[id]
	return s, ok
}

// Forget drops the record for id. Called when the object's row is removed
// so the recorder does not grow without bound.
func (r *Recorder) Forget(id object.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sites, id)
}

// Len returns the number of recorded sites.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sites)
}

// CallerQualifier derives a "file.go:Function" qualifier from the calling
// stack. skip counts frames above the caller: 0 attributes the direct
// caller of CallerQualifier, 1 its caller, and so on.
func CallerQualifier(skip int) string {
	pc, file, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
	}
	return filepath.Base(file) + ":" + name
}
