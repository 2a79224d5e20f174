package provider

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/eachlabs/tether/internal/event"
)

type partialKind int

const (
	partialText partialKind = iota
	partialThinking
	partialToolUse
)

// partial is one content block under construction.
type partial struct {
	kind      partialKind
	text      strings.Builder
	signature string
	id        string
	name      string
	args      strings.Builder
	lastValid json.RawMessage
	closed    bool
}

// accumulator collects streamed fragments per content-block index. Partial
// tool-argument JSON is tolerated: the input surfaces once the buffer parses
// as an object and falls back to {} at flush if it never does.
type accumulator struct {
	blocks map[int]*partial
}

func newAccumulator() *accumulator {
	return &accumulator{blocks: make(map[int]*partial)}
}

func (a *accumulator) get(idx int, kind partialKind) *partial {
	p, ok := a.blocks[idx]
	if !ok {
		p = &partial{kind: kind}
		a.blocks[idx] = p
	}
	return p
}

func (a *accumulator) appendText(idx int, s string) {
	a.get(idx, partialText).text.WriteString(s)
}

func (a *accumulator) appendThinking(idx int, s string) {
	a.get(idx, partialThinking).text.WriteString(s)
}

func (a *accumulator) setSignature(idx int, sig string) {
	a.get(idx, partialThinking).signature += sig
}

// startTool opens a tool block. Later calls may fill in an id or name that
// an earlier fragment lacked.
func (a *accumulator) startTool(idx int, id, name string) {
	p := a.get(idx, partialToolUse)
	p.kind = partialToolUse
	if id != "" {
		p.id = id
	}
	if name != "" {
		p.name = name
	}
}

func (a *accumulator) appendArgs(idx int, frag string) {
	p := a.get(idx, partialToolUse)
	p.kind = partialToolUse
	p.args.WriteString(frag)
	if parsed, ok := parseObject(p.args.String()); ok {
		p.lastValid = parsed
	}
}

func (a *accumulator) close(idx int) {
	if p, ok := a.blocks[idx]; ok {
		p.closed = true
	}
}

func (a *accumulator) has(idx int) bool {
	_, ok := a.blocks[idx]
	return ok
}

func (a *accumulator) empty() bool {
	return len(a.blocks) == 0
}

func (a *accumulator) reset() {
	a.blocks = make(map[int]*partial)
}

// block renders one index. final selects flush semantics for tool input.
func (a *accumulator) block(idx int, final bool) (event.Block, bool) {
	p, ok := a.blocks[idx]
	if !ok {
		return nil, false
	}
	switch p.kind {
	case partialThinking:
		return event.Thinking{Text: p.text.String(), Signature: p.signature}, true
	case partialToolUse:
		return event.ToolUse{ID: p.id, Name: p.name, Input: p.input(final)}, true
	default:
		return event.Text{Text: p.text.String()}, true
	}
}

// snapshot renders every block in index order.
func (a *accumulator) snapshot(final bool) event.Blocks {
	idxs := make([]int, 0, len(a.blocks))
	for idx := range a.blocks {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	out := make(event.Blocks, 0, len(idxs))
	for _, idx := range idxs {
		b, _ := a.block(idx, final)
		out = append(out, b)
	}
	return out
}

func (p *partial) input(final bool) json.RawMessage {
	if parsed, ok := parseObject(p.args.String()); ok {
		return parsed
	}
	if final || p.closed {
		if p.lastValid != nil {
			return p.lastValid
		}
		return json.RawMessage(`{}`)
	}
	return p.lastValid
}

// parseObject reports whether s is a complete JSON object.
func parseObject(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return json.RawMessage(s), true
}
