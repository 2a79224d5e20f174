package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/stream"
)

// ProbeResult is what a throwaway CLI session reports about itself.
type ProbeResult struct {
	Model         string      `json:"model,omitempty"`
	Tools         []string    `json:"tools,omitempty"`
	SlashCommands []string    `json:"slash_commands,omitempty"`
	Commands      []string    `json:"commands,omitempty"`
	Models        []ModelInfo `json:"models,omitempty"`
	OutputStyle   string      `json:"output_style,omitempty"`
}

// Probe starts a CLI session with no input, records its initialize response
// and system init, and caches the result for Models. Every permission
// request is denied.
func (p *Process) Probe(ctx context.Context) (*ProbeResult, error) {
	input := stream.NewQueue[event.Message]()
	input.Close()

	q, err := p.Query(ctx, &QueryRequest{
		Input:          input,
		PermissionMode: ModeNormal,
		CanUseTool: func(context.Context, PermissionRequest) (Decision, error) {
			return Deny("probe"), nil
		},
	})
	if err != nil {
		return nil, err
	}
	defer q.Close()

	res := &ProbeResult{}
	pq := q.(*processQuery)
	if len(pq.initResponse) > 0 {
		var init cliInitResponse
		if err := json.Unmarshal(pq.initResponse, &init); err != nil {
			return nil, &ParseError{Context: "initialize response", Err: err}
		}
		res.OutputStyle = init.OutputStyle
		for _, c := range init.Commands {
			res.Commands = append(res.Commands, c.Name)
		}
		for _, m := range init.Models {
			res.Models = append(res.Models, ModelInfo{
				ID:            m.Value,
				Label:         m.DisplayName,
				Description:   m.Description,
				Backend:       KindProcess,
				SupportsTools: true,
			})
		}
	}

	for e := range q.Events() {
		switch ev := e.(type) {
		case event.SystemInit:
			res.Model = ev.Model
			res.Tools = ev.Tools
			res.SlashCommands = ev.SlashCommands
		case event.Result:
			if ev.Outcome == event.OutcomeError && res.Model == "" && len(res.Models) == 0 {
				return nil, fmt.Errorf("probe: %s", ev.Error)
			}
		}
	}

	p.probeMu.Lock()
	p.probed = res
	p.probeMu.Unlock()
	return res, nil
}

// Probed returns the cached probe result, if any.
func (p *Process) Probed() (*ProbeResult, bool) {
	p.probeMu.Lock()
	defer p.probeMu.Unlock()
	return p.probed, p.probed != nil
}
