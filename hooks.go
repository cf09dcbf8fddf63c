package eventstore

// PipelineHook is a filter/interceptor invoked on reads (Select) and
// writes (PreCommit/PostCommit). Hooks are a short list fixed at
// construction; there is no runtime mutation and no class hierarchy, just
// an ordered collection of uniform capabilities.
type PipelineHook interface {
	// Select is applied during reads. Returning ok=false filters the
	// commit out of the result entirely.
	Select(commit Commit) (result Commit, ok bool)

	// PreCommit is applied, in declared order, before persistence.
	// Returning false silently aborts the commit: no persistence call is
	// made, no post-hook runs, and no error is raised.
	PreCommit(attempt CommitAttempt) bool

	// PostCommit is invoked, in declared order, after successful
	// persistence. It is side-effect only; any failure here is the
	// caller's concern to observe out of band and never retracts the
	// commit.
	PostCommit(commit Commit)

	// Dispose releases hook resources. Invoked once when the owning
	// facade is disposed.
	Dispose()
}

// HookChain runs an ordered, fixed list of PipelineHooks. The chain itself
// adds no retry, no transactionality, and no parallelism: hooks observe
// reads and writes in exactly the sequence given at construction.
type HookChain struct {
	hooks []PipelineHook
}

// NewHookChain returns a chain that will invoke hooks in the given order.
func NewHookChain(hooks ...PipelineHook) *HookChain {
	chain := &HookChain{hooks: make([]PipelineHook, 0, len(hooks))}
	for _, h := range hooks {
		if h != nil {
			chain.hooks = append(chain.hooks, h)
		}
	}
	return chain
}

// Select runs every hook's Select in order and short-circuits on the
// first hook that filters the commit out: that hook wins, and remaining
// hooks are skipped for this commit.
func (c *HookChain) Select(commit Commit) (Commit, bool) {
	if c == nil {
		return commit, true
	}
	current := commit
	for _, hook := range c.hooks {
		result, ok := hook.Select(current)
		if !ok {
			return Commit{}, false
		}
		current = result
	}
	return current, true
}

// PreCommit runs every hook's PreCommit in order. The first hook
// returning false aborts the chain immediately.
func (c *HookChain) PreCommit(attempt CommitAttempt) bool {
	if c == nil {
		return true
	}
	for _, hook := range c.hooks {
		if !hook.PreCommit(attempt) {
			return false
		}
	}
	return true
}

// PostCommit runs every hook's PostCommit in declared order.
func (c *HookChain) PostCommit(commit Commit) {
	if c == nil {
		return
	}
	for _, hook := range c.hooks {
		hook.PostCommit(commit)
	}
}

// Dispose releases every hook exactly once, in declared order.
func (c *HookChain) Dispose() {
	if c == nil {
		return
	}
	for _, hook := range c.hooks {
		hook.Dispose()
	}
}
