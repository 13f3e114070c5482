package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/knagata/pollgrid/internal/blob"
	"github.com/knagata/pollgrid/internal/model"
	"github.com/knagata/pollgrid/internal/store"
	"github.com/knagata/pollgrid/internal/uds"
)

// Control command names served on the agent socket.
const (
	CmdPing   = "ping"
	CmdSubmit = "submit"
	CmdStatus = "status"
	CmdResult = "result"
	CmdCancel = "cancel"
	CmdSweep  = "sweep"
)

const controlTimeout = 30 * time.Second

type SubmitParams struct {
	SessionID      string   `json:"session_id,omitempty"`
	ParentID       string   `json:"parent_id,omitempty"`
	Payload        []byte   `json:"payload,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	MaxDurationSec int      `json:"max_duration_sec,omitempty"`
	Partition      string   `json:"partition,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
}

type SubmitReply struct {
	TaskID string `json:"task_id"`
}

type StatusParams struct {
	TaskID string `json:"task_id"`
}

// StatusReply is the control-plane projection of a task record.
type StatusReply struct {
	TaskID     string   `json:"task_id"`
	SessionID  string   `json:"session_id"`
	ParentID   string   `json:"parent_id,omitempty"`
	Status     string   `json:"status"`
	RetryCount int      `json:"retry_count"`
	MaxRetries int      `json:"max_retries"`
	ResultID   string   `json:"result_id,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	DispatchID string   `json:"dispatch_id,omitempty"`
	Children   []string `json:"children,omitempty"`
	UpdatedAt  string   `json:"updated_at"`
}

type ResultReply struct {
	TaskID string `json:"task_id"`
	Data   []byte `json:"data"`
}

type CancelParams struct {
	SessionID string `json:"session_id"`
}

// RegisterControl wires the agent's control commands onto the socket server.
func (a *Agent) RegisterControl(srv *uds.Server) {
	srv.Handle(CmdPing, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	srv.Handle(CmdSubmit, a.handleSubmit)
	srv.Handle(CmdStatus, a.handleStatus)
	srv.Handle(CmdResult, a.handleResult)
	srv.Handle(CmdCancel, a.handleCancel)
	srv.Handle(CmdSweep, a.handleSweep)
}

func (a *Agent) handleSubmit(req *uds.Request) *uds.Response {
	var p SubmitParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	id, err := a.Submit(ctx, SubmitRequest{
		SessionID: p.SessionID,
		ParentID:  p.ParentID,
		Payload:   p.Payload,
		Options: model.Options{
			Priority:    p.Priority,
			MaxRetries:  p.MaxRetries,
			MaxDuration: time.Duration(p.MaxDurationSec) * time.Second,
			Partition:   p.Partition,
		},
		Dependencies: p.Dependencies,
	})
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(SubmitReply{TaskID: id})
}

func (a *Agent) handleStatus(req *uds.Request) *uds.Response {
	var p StatusParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	t, err := a.tasks.ReadTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	reply := StatusReply{
		TaskID:     t.ID,
		SessionID:  t.SessionID,
		ParentID:   t.ParentID,
		Status:     string(t.Status),
		RetryCount: t.RetryCount,
		MaxRetries: t.Options.MaxRetries,
		ResultID:   t.ResultID,
		LastError:  t.LastError,
		DispatchID: t.ActiveDispatchID,
		UpdatedAt:  t.UpdatedAt,
	}
	if children, err := a.tasks.ListChildren(ctx, t.ID); err == nil {
		for _, c := range children {
			reply.Children = append(reply.Children, c.ID)
		}
	}
	return uds.SuccessResponse(reply)
}

func (a *Agent) handleResult(req *uds.Request) *uds.Response {
	var p StatusParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	t, err := a.tasks.ReadTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	if t.Status != model.StatusCompleted {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task not completed: "+string(t.Status))
	}
	if t.ResultID == "" {
		// Settled parent: the result is the set of child results.
		return uds.SuccessResponse(ResultReply{TaskID: t.ID})
	}
	r, err := a.blobs.Get(ctx, t.ResultID)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	data, err := blob.ReadAll(ctx, r)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(ResultReply{TaskID: t.ID, Data: data})
}

func (a *Agent) handleCancel(req *uds.Request) *uds.Response {
	var p CancelParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.SessionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "missing session_id")
	}
	canceller, ok := a.tasks.(store.SessionCanceller)
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeInternal, "task store does not support session cancellation")
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := canceller.CancelSession(ctx, p.SessionID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	a.sink.log(LogLevelInfo, "session_cancel_requested session=%s", p.SessionID)
	return uds.SuccessResponse(nil)
}

func (a *Agent) handleSweep(*uds.Request) *uds.Response {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := a.Sweep(ctx); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(nil)
}
