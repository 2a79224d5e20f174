package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eachlabs/tether/internal/provider"
	"github.com/eachlabs/tether/internal/rpc"
)

// editTools get a host preview and are auto-approved in agent mode.
var editTools = map[string]bool{
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookEdit": true,
	"edit":         true,
	"write":        true,
}

func isEditTool(name string) bool {
	return editTools[name]
}

// PermissionParams is the body of a permission request to the host.
type PermissionParams struct {
	provider.PermissionRequest
	Mode provider.PermissionMode `json:"permission_mode"`
	Cwd  string                  `json:"cwd,omitempty"`
}

// PreviewParams is the body of a preview notification.
type PreviewParams struct {
	ToolUseID string                  `json:"tool_use_id,omitempty"`
	ToolName  string                  `json:"tool_name"`
	Input     json.RawMessage         `json:"input"`
	Mode      provider.PermissionMode `json:"permission_mode"`
	Cwd       string                  `json:"cwd,omitempty"`
}

// canUseTool builds the authorization callback for ch. It reads the
// channel's mode on every call, so mode switches apply to the next tool.
func (o *Orchestrator) canUseTool(ch *channel) provider.CanUseTool {
	return func(ctx context.Context, req provider.PermissionRequest) (provider.Decision, error) {
		ch.resolveToolUse(&req)
		mode := ch.permissionMode()
		logger := o.logger.With("channel", ch.id, "tool", req.ToolName, "tool_use_id", req.ToolUseID)

		if isEditTool(req.ToolName) {
			switch mode {
			case provider.ModeAgent:
				logger.Debug("auto-approved edit")
				return provider.Allow(req.Input, req.Suggestions), nil
			case provider.ModeNormal, provider.ModePlan:
				o.preview(ch, req, mode)
			}
		}

		raw, err := o.config.Host.Request(ctx, ch.id, rpc.MethodPermission, &PermissionParams{
			PermissionRequest: req,
			Mode:              mode,
			Cwd:               ch.cwd,
		})
		if err != nil {
			logger.Info("permission request unanswered", "err", err)
			return provider.Deny(denyReason(err)), nil
		}

		var d provider.Decision
		if err := json.Unmarshal(raw, &d); err != nil {
			logger.Warn("malformed permission decision", "err", err)
			return provider.Deny("malformed permission decision"), nil
		}
		switch d.Behavior {
		case provider.BehaviorAllow, provider.BehaviorDeny:
		default:
			logger.Warn("unknown permission behavior", "behavior", string(d.Behavior))
			return provider.Deny(fmt.Sprintf("unknown permission behavior %q", d.Behavior)), nil
		}
		logger.Debug("permission decided", "behavior", string(d.Behavior))
		return d, nil
	}
}

// resolveToolUse fills what the backend left out of req from the tool calls
// already forwarded: a missing id comes from the latest unanswered call of
// the same tool, missing input from the call with the given id.
func (c *channel) resolveToolUse(req *provider.PermissionRequest) {
	if req.ToolUseID == "" {
		pending := c.transcript.Pending()
		for i := len(pending) - 1; i >= 0; i-- {
			if pending[i].Name == req.ToolName {
				req.ToolUseID = pending[i].ID
				break
			}
		}
	}
	if len(req.Input) == 0 && req.ToolUseID != "" {
		if use, _, ok := c.transcript.Join(req.ToolUseID); ok {
			req.Input = use.Input
		}
	}
}

// preview tells the host an edit is about to be proposed. Failures are
// logged only.
func (o *Orchestrator) preview(ch *channel, req provider.PermissionRequest, mode provider.PermissionMode) {
	params, err := json.Marshal(&PreviewParams{
		ToolUseID: req.ToolUseID,
		ToolName:  req.ToolName,
		Input:     req.Input,
		Mode:      mode,
		Cwd:       ch.cwd,
	})
	if err == nil {
		err = o.config.Host.Send(&rpc.Envelope{
			Type:      rpc.TypeRequest,
			ChannelID: ch.id,
			Method:    rpc.MethodPreview,
			Params:    params,
		})
	}
	if err != nil {
		o.logger.Warn("preview failed", "channel", ch.id, "tool", req.ToolName, "err", err)
	}
}

func denyReason(err error) string {
	switch {
	case errors.Is(err, rpc.ErrChannelClosed):
		return "channel closed before the permission request was answered"
	case errors.Is(err, rpc.ErrDisconnected):
		return "host disconnected before the permission request was answered"
	case errors.Is(err, rpc.ErrCanceled), errors.Is(err, context.Canceled):
		return "permission request canceled"
	default:
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			return remote.Message
		}
		return err.Error()
	}
}
