package sidecar

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/devmux/devmux/pkg/protocol"
)

// operationTimeout bounds one correlated operation on the agent side. The
// hub's relay gives up on the same order of time, so a late reply is dropped
// there rather than delivered.
const operationTimeout = 30 * time.Second

// Request shapes for correlated operations. The hub forwards browser
// payloads opaquely; the agent is the first place these fields are parsed.
type gitDiffRequest struct {
	RequestID string `json:"requestId"`
	Path      string `json:"path"`
	Staged    bool   `json:"staged"`
}

type gitPathsRequest struct {
	RequestID string   `json:"requestId"`
	Paths     []string `json:"paths"`
}

type gitCommitRequest struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

type dockerTargetRequest struct {
	RequestID string `json:"requestId"`
	Container string `json:"container"`
}

type dockerLogsRequest struct {
	RequestID string `json:"requestId"`
	Container string `json:"container"`
	Tail      int    `json:"tail"`
}

type envPushRequest struct {
	RequestID string            `json:"requestId"`
	Env       map[string]string `json:"env"`
}

// EnvPushData reports how many overlay variables are in effect after a push.
type EnvPushData struct {
	Applied int `json:"applied"`
}

// dockerStatusData wraps the container list for the status reply.
type dockerStatusData struct {
	Containers []DockerContainer `json:"containers"`
}

func (a *Agent) registerHandlers() {
	a.dispatcher.RegisterFunc(protocol.ActionTabCreate, a.handleTabCreate)
	a.dispatcher.RegisterFunc(protocol.ActionTabInput, a.handleTabInput)
	a.dispatcher.RegisterFunc(protocol.ActionTabResize, a.handleTabResize)
	a.dispatcher.RegisterFunc(protocol.ActionTabClose, a.handleTabClose)
	a.dispatcher.RegisterFunc(protocol.ActionTabBufferRequest, a.handleTabBufferRequest)

	a.dispatcher.RegisterFunc(protocol.ActionGitStatus, a.handleGitStatus)
	a.dispatcher.RegisterFunc(protocol.ActionGitDiff, a.handleGitDiff)
	a.dispatcher.RegisterFunc(protocol.ActionGitStage, a.handleGitStage)
	a.dispatcher.RegisterFunc(protocol.ActionGitUnstage, a.handleGitUnstage)
	a.dispatcher.RegisterFunc(protocol.ActionGitCommit, a.handleGitCommit)
	a.dispatcher.RegisterFunc(protocol.ActionGitDiscard, a.handleGitDiscard)

	a.dispatcher.RegisterFunc(protocol.ActionDockerStatus, a.handleDockerStatus)
	a.dispatcher.RegisterFunc(protocol.ActionDockerLogs, a.handleDockerLogs)
	a.dispatcher.RegisterFunc(protocol.ActionDockerStart, a.handleDockerStart)
	a.dispatcher.RegisterFunc(protocol.ActionDockerStop, a.handleDockerStop)
	a.dispatcher.RegisterFunc(protocol.ActionDockerRestart, a.handleDockerRestart)

	a.dispatcher.RegisterFunc(protocol.ActionStatsRequest, a.handleStatsRequest)
	a.dispatcher.RegisterFunc(protocol.ActionFileUpload, a.handleFileUpload)
	a.dispatcher.RegisterFunc(protocol.ActionEnvPush, a.handleEnvPush)
	a.dispatcher.RegisterFunc(protocol.ActionTailscaleStatus, a.handleTailscaleStatus)
}

// respond runs one correlated operation under the operation timeout and
// sends its reply.
func (a *Agent) respond(ctx context.Context, action, requestID string, fn func(context.Context) (interface{}, error)) {
	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	data, err := fn(opCtx)
	if err != nil {
		a.respondError(action, requestID, err)
		return
	}
	a.respondSuccess(action, requestID, data)
}

// dropBadRequest logs a correlated request that cannot be answered because
// parsing failed or the correlation ID is missing.
func (a *Agent) dropBadRequest(action string, err error) {
	a.logger.Warn("dropping unanswerable request",
		zap.String("action", action),
		zap.Error(err))
}

// Tab commands. These are fire-and-forget from the hub; results come back as
// tab:created / tab:ended / tab:buffer / agent:error notifications.

func (a *Agent) handleTabCreate(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var p protocol.TabCreatePayload
	if err := msg.ParsePayload(&p); err != nil || p.TabID == "" {
		a.logger.Warn("invalid tab:create payload", zap.Error(err))
		return nil, nil
	}

	window, err := a.tabs.Create(p.TabID, p.Command)
	if err != nil {
		a.logger.Error("failed to create tab",
			zap.String("tab_id", p.TabID),
			zap.Error(err))
		a.notify(protocol.ActionAgentError, protocol.AgentErrorPayload{
			Code:    protocol.ErrorCodeInternalError,
			Message: err.Error(),
			TabID:   p.TabID,
		})
		return nil, nil
	}

	a.notify(protocol.ActionTabCreated, protocol.TabCreatedPayload{
		TabID:      p.TabID,
		TmuxWindow: window,
	})
	return nil, nil
}

func (a *Agent) handleTabInput(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var p protocol.TabInputPayload
	if err := msg.ParsePayload(&p); err != nil {
		return nil, nil
	}
	// Input races tab teardown during normal close; a miss is not an error
	// worth telling anyone about.
	if err := a.tabs.Input(p.TabID, p.Data); err != nil {
		a.logger.Debug("tab input dropped",
			zap.String("tab_id", p.TabID),
			zap.Error(err))
	}
	return nil, nil
}

func (a *Agent) handleTabResize(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var p protocol.TabResizePayload
	if err := msg.ParsePayload(&p); err != nil {
		return nil, nil
	}
	if err := a.tabs.Resize(p.TabID, p.Cols, p.Rows); err != nil {
		a.logger.Debug("tab resize dropped",
			zap.String("tab_id", p.TabID),
			zap.Error(err))
	}
	return nil, nil
}

func (a *Agent) handleTabClose(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var p protocol.TabClosePayload
	if err := msg.ParsePayload(&p); err != nil {
		return nil, nil
	}
	if err := a.tabs.Close(p.TabID); err != nil {
		a.logger.Warn("failed to close tab",
			zap.String("tab_id", p.TabID),
			zap.Error(err))
	}
	return nil, nil
}

func (a *Agent) handleTabBufferRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var p protocol.TabBufferRequestPayload
	if err := msg.ParsePayload(&p); err != nil {
		return nil, nil
	}

	lines, err := a.tabs.BufferLines(p.TabID, p.Lines)
	if err != nil {
		a.notify(protocol.ActionAgentError, protocol.AgentErrorPayload{
			Code:    protocol.ErrorCodeNotFound,
			Message: err.Error(),
			TabID:   p.TabID,
		})
		return nil, nil
	}

	a.notify(protocol.ActionTabBuffer, protocol.TabBufferPayload{
		TabID: p.TabID,
		Lines: lines,
	})
	return nil, nil
}

// Git operations.

func (a *Agent) handleGitStatus(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.CorrelatedRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionGitStatus, req.RequestID, func(c context.Context) (interface{}, error) {
		data, err := a.git.Status(c)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	return nil, nil
}

func (a *Agent) handleGitDiff(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req gitDiffRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionGitDiff, req.RequestID, func(c context.Context) (interface{}, error) {
		data, err := a.git.Diff(c, req.Path, req.Staged)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	return nil, nil
}

func (a *Agent) handleGitStage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req gitPathsRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionGitStage, req.RequestID, func(c context.Context) (interface{}, error) {
		return nil, a.git.Stage(c, req.Paths)
	})
	return nil, nil
}

func (a *Agent) handleGitUnstage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req gitPathsRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionGitUnstage, req.RequestID, func(c context.Context) (interface{}, error) {
		return nil, a.git.Unstage(c, req.Paths)
	})
	return nil, nil
}

func (a *Agent) handleGitCommit(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req gitCommitRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionGitCommit, req.RequestID, func(c context.Context) (interface{}, error) {
		data, err := a.git.Commit(c, req.Message)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	return nil, nil
}

func (a *Agent) handleGitDiscard(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req gitPathsRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionGitDiscard, req.RequestID, func(c context.Context) (interface{}, error) {
		return nil, a.git.Discard(c, req.Paths)
	})
	return nil, nil
}

// Docker operations.

func (a *Agent) handleDockerStatus(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.CorrelatedRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionDockerStatus, req.RequestID, func(c context.Context) (interface{}, error) {
		containers, err := a.docker.Status(c)
		if err != nil {
			return nil, err
		}
		return &dockerStatusData{Containers: containers}, nil
	})
	return nil, nil
}

func (a *Agent) handleDockerLogs(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req dockerLogsRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionDockerLogs, req.RequestID, func(c context.Context) (interface{}, error) {
		data, err := a.docker.Logs(c, req.Container, req.Tail)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	return nil, nil
}

func (a *Agent) handleDockerStart(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req dockerTargetRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionDockerStart, req.RequestID, func(c context.Context) (interface{}, error) {
		return nil, a.docker.Start(c, req.Container)
	})
	return nil, nil
}

func (a *Agent) handleDockerStop(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req dockerTargetRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionDockerStop, req.RequestID, func(c context.Context) (interface{}, error) {
		return nil, a.docker.Stop(c, req.Container)
	})
	return nil, nil
}

func (a *Agent) handleDockerRestart(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req dockerTargetRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionDockerRestart, req.RequestID, func(c context.Context) (interface{}, error) {
		return nil, a.docker.Restart(c, req.Container)
	})
	return nil, nil
}

// Host operations.

func (a *Agent) handleStatsRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.CorrelatedRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionStatsRequest, req.RequestID, func(c context.Context) (interface{}, error) {
		metrics := a.metrics.Collect()
		if metrics == nil {
			return nil, errors.New("host metrics not supported on this platform")
		}
		return metrics, nil
	})
	return nil, nil
}

func (a *Agent) handleFileUpload(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.FileUploadPayload
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionFileUpload, req.RequestID, func(c context.Context) (interface{}, error) {
		data, err := writeUpload(a.cfg.WorkDir, &req)
		if err != nil {
			return nil, err
		}
		a.logger.Info("file uploaded",
			zap.String("path", data.Path),
			zap.Int("size", data.Size))
		return data, nil
	})
	return nil, nil
}

func (a *Agent) handleEnvPush(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req envPushRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionEnvPush, req.RequestID, func(c context.Context) (interface{}, error) {
		applied := a.applyEnv(req.Env)
		a.logger.Info("environment updated", zap.Int("variables", applied))
		return &EnvPushData{Applied: applied}, nil
	})
	return nil, nil
}

func (a *Agent) handleTailscaleStatus(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.CorrelatedRequest
	if err := msg.ParsePayload(&req); err != nil || req.RequestID == "" {
		a.dropBadRequest(msg.Action, err)
		return nil, nil
	}
	a.respond(ctx, protocol.ActionTailscaleStatus, req.RequestID, func(c context.Context) (interface{}, error) {
		raw, err := tailscaleStatus(c)
		if err != nil {
			return nil, err
		}
		return raw, nil
	})
	return nil, nil
}
