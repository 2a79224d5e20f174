package event

import "sync"

// Transcript indexes the tool invocations seen on one channel so a later
// ToolResult can be joined to the ToolUse that caused it, no matter how many
// events came in between.
type Transcript struct {
	mu      sync.Mutex
	uses    map[string]ToolUse
	results map[string]ToolResult
	order   []string
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		uses:    make(map[string]ToolUse),
		results: make(map[string]ToolResult),
	}
}

// Observe records the tool blocks carried by e. Re-emitted deltas overwrite
// earlier snapshots of the same invocation.
func (t *Transcript) Observe(e Event) {
	var blocks Blocks
	switch ev := e.(type) {
	case AssistantDelta:
		blocks = ev.Blocks
	case UserEcho:
		blocks = ev.Blocks
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range blocks {
		switch blk := b.(type) {
		case ToolUse:
			if blk.ID == "" {
				continue
			}
			if _, seen := t.uses[blk.ID]; !seen {
				t.order = append(t.order, blk.ID)
			}
			t.uses[blk.ID] = blk
		case ToolResult:
			t.results[blk.ToolUseID] = blk
		}
	}
}

// Join returns the invocation with the given id and its result, if any.
func (t *Transcript) Join(id string) (ToolUse, *ToolResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	use, ok := t.uses[id]
	if !ok {
		return ToolUse{}, nil, false
	}
	if res, done := t.results[id]; done {
		return use, &res, true
	}
	return use, nil, true
}

// Pending lists invocations that have no result yet, in first-seen order.
func (t *Transcript) Pending() []ToolUse {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ToolUse
	for _, id := range t.order {
		if _, done := t.results[id]; !done {
			out = append(out, t.uses[id])
		}
	}
	return out
}
