package callsite

import (
	"strings"
	"testing"

	"github.com/ThomasGoatly/ray/internal/object"
)

func TestRecordSetOnce(t *testing.T) {
	r := NewRecorder()
	id := object.New()

	if !r.Record(id, KindPut, "main.go:run") {
		t.Fatalf("first Record = false, want true")
	}
	if r.Record(id, KindTaskCall, "other.go:f") {
		t.Fatalf("second Record = true, want false")
	}

	site, ok := r.Lookup(id)
	if !ok {
		t.Fatalf("Lookup missing after Record")
	}
	if site.Kind != KindPut || site.Qualifier != "main.go:run" {
		t.Fatalf("Lookup = %+v, want first recorded site", site)
	}
}

func TestLookupAbsent(t *testing.T) {
	r := NewRecorder()
	if _, ok := r.Lookup(object.New()); ok {
		t.Fatalf("Lookup on empty recorder reported ok")
	}
}

func TestForget(t *testing.T) {
	r := NewRecorder()
	id := object.New()
	r.Record(id, KindPut, "a.go:b")
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	r.Forget(id)
	if r.Len() != 0 {
		t.Fatalf("Len after Forget = %d, want 0", r.Len())
	}
	if _, ok := r.Lookup(id); ok {
		t.Fatalf("Lookup succeeded after Forget")
	}
}

func TestKindLabels(t *testing.T) {
	cases := []struct {
		kind  Kind
		label string
		name  string
	}{
		{KindPut, "(put object)", "put"},
		{KindTaskCall, "(task call)", "task_call"},
		{KindActorTaskCall, "(actor call)", "actor_task_call"},
		{KindDeserializeTaskArg, "(deserialize task arg)", "deserialize_task_arg"},
		{KindDeserializeActorTaskArg, "(deserialize actor task arg)", "deserialize_actor_task_arg"},
		{KindUnknown, "(unknown)", "unknown"},
	}
	for _, tc := range cases {
		if got := tc.kind.Label(); got != tc.label {
			t.Errorf("%v.Label() = %q, want %q", tc.kind, got, tc.label)
		}
		if got := tc.kind.String(); got != tc.name {
			t.Errorf("%v.String() = %q, want %q", tc.kind, got, tc.name)
		}
		back, err := KindFromString(tc.name)
		if err != nil {
			t.Errorf("KindFromString(%q): %v", tc.name, err)
		}
		if back != tc.kind {
			t.Errorf("KindFromString(%q) = %v, want %v", tc.name, back, tc.kind)
		}
	}
	if _, err := KindFromString("bogus"); err == nil {
		t.Errorf("KindFromString(bogus) = nil error, want error")
	}
}

func TestCallerQualifier(t *testing.T) {
	q := CallerQualifier(0)
	if !strings.HasPrefix(q, "callsite_test.go:") {
		t.Fatalf("qualifier = %q, want callsite_test.go: prefix", q)
	}
	if !strings.HasSuffix(q, "TestCallerQualifier") {
		t.Fatalf("qualifier = %q, want TestCallerQualifier suffix", q)
	}
}

func TestCallerQualifierSkip(t *testing.T) {
	var q string
	helper := func() {
		q = CallerQualifier(1)
	}
	helper()
	if !strings.HasSuffix(q, "TestCallerQualifierSkip") {
		t.Fatalf("qualifier = %q, want TestCallerQualifierSkip suffix", q)
	}
}
