package eventstore

import "testing"

// recordingHook tracks invocation order and can be configured to reject
// Select/PreCommit for scenarios that exercise short-circuiting.
type recordingHook struct {
	name       string
	calls      *[]string
	rejectSelt bool
	rejectPre  bool
	disposed   *bool
}

func (h *recordingHook) Select(commit Commit) (Commit, bool) {
	*h.calls = append(*h.calls, h.name+":select")
	if h.rejectSelt {
		return Commit{}, false
	}
	return commit, true
}

func (h *recordingHook) PreCommit(attempt CommitAttempt) bool {
	*h.calls = append(*h.calls, h.name+":precommit")
	return !h.rejectPre
}

func (h *recordingHook) PostCommit(commit Commit) {
	*h.calls = append(*h.calls, h.name+":postcommit")
}

func (h *recordingHook) Dispose() {
	*h.calls = append(*h.calls, h.name+":dispose")
	if h.disposed != nil {
		*h.disposed = true
	}
}

func TestHookChainRunsHooksInDeclaredOrder(t *testing.T) {
	var calls []string
	chain := NewHookChain(
		&recordingHook{name: "a", calls: &calls},
		&recordingHook{name: "b", calls: &calls},
	)

	chain.PreCommit(validAttempt())
	chain.PostCommit(Commit{})
	chain.Select(Commit{})
	chain.Dispose()

	want := []string{
		"a:precommit", "b:precommit",
		"a:postcommit", "b:postcommit",
		"a:select", "b:select",
		"a:dispose", "b:dispose",
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d: %v", len(want), len(calls), calls)
	}
	for i, c := range calls {
		if c != want[i] {
			t.Fatalf("call %d: expected %q, got %q (full trace: %v)", i, want[i], c, calls)
		}
	}
}

func TestHookChainPreCommitShortCircuitsOnFirstRejection(t *testing.T) {
	var calls []string
	chain := NewHookChain(
		&recordingHook{name: "a", calls: &calls, rejectPre: true},
		&recordingHook{name: "b", calls: &calls},
	)

	if chain.PreCommit(validAttempt()) {
		t.Fatal("expected PreCommit to return false")
	}
	if len(calls) != 1 || calls[0] != "a:precommit" {
		t.Fatalf("expected only the rejecting hook to run, got %v", calls)
	}
}

func TestHookChainSelectShortCircuitsOnFirstFilter(t *testing.T) {
	var calls []string
	chain := NewHookChain(
		&recordingHook{name: "a", calls: &calls, rejectSelt: true},
		&recordingHook{name: "b", calls: &calls},
	)

	_, ok := chain.Select(Commit{})
	if ok {
		t.Fatal("expected Select to report ok=false")
	}
	if len(calls) != 1 || calls[0] != "a:select" {
		t.Fatalf("expected only the filtering hook to run, got %v", calls)
	}
}

func TestHookChainDisposeRunsEveryHookExactlyOnce(t *testing.T) {
	var calls []string
	var aDisposed, bDisposed bool
	chain := NewHookChain(
		&recordingHook{name: "a", calls: &calls, disposed: &aDisposed},
		&recordingHook{name: "b", calls: &calls, disposed: &bDisposed},
	)

	chain.Dispose()
	if !aDisposed || !bDisposed {
		t.Fatal("expected both hooks to be disposed")
	}
}

func TestNilHookChainIsANoOp(t *testing.T) {
	var chain *HookChain
	if !chain.PreCommit(validAttempt()) {
		t.Fatal("expected nil chain PreCommit to default to true")
	}
	commit, ok := chain.Select(Commit{StreamID: "x"})
	if !ok || commit.StreamID != "x" {
		t.Fatal("expected nil chain Select to pass the commit through unchanged")
	}
	chain.PostCommit(Commit{})
	chain.Dispose()
}

func TestNewHookChainSkipsNilHooks(t *testing.T) {
	var calls []string
	chain := NewHookChain(nil, &recordingHook{name: "a", calls: &calls}, nil)
	chain.PostCommit(Commit{})
	if len(calls) != 1 || calls[0] != "a:postcommit" {
		t.Fatalf("expected nil hooks to be skipped, got %v", calls)
	}
}
