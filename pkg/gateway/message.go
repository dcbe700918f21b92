package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mail-swarm/mail/pkg/logger"
	"github.com/mail-swarm/mail/pkg/mail"
)

// messageRequest is the body of POST /message and /message/stream.
// TaskID plus ResumeFrom re-enter an existing task; the breakpoint
// extras are required when resume_from is breakpoint_tool_call.
type messageRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Target  string `json:"target,omitempty"`

	TaskID     string `json:"task_id,omitempty"`
	ResumeFrom string `json:"resume_from,omitempty"`

	BreakpointToolCaller     string `json:"breakpoint_tool_caller,omitempty"`
	BreakpointToolCallResult string `json:"breakpoint_tool_call_result,omitempty"`

	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

type messageResponse struct {
	TaskID   string `json:"task_id"`
	Response string `json:"response"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	timeout := s.timeoutFor(req.TimeoutSeconds)

	taskID, body, err := s.dispatchMessage(r, req, timeout)
	if err != nil {
		writeMessageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{TaskID: taskID, Response: body})
}

func (s *Server) dispatchMessage(r *http.Request, req messageRequest, timeout time.Duration) (string, string, error) {
	switch req.ResumeFrom {
	case "":
		taskID := req.TaskID
		if taskID == "" {
			taskID = s.swarm.NewTaskID()
		}
		body, err := s.swarm.PostToTask(r.Context(), taskID, req.Target, req.Subject, req.Body, timeout)
		return taskID, body, err

	case string(mail.ResumeUserResponse):
		body, err := s.swarm.ResumeTask(r.Context(), req.TaskID, mail.ResumeUserResponse, req.Body, nil, timeout)
		return req.TaskID, body, err

	case string(mail.ResumeBreakpointToolCall):
		extras := map[string]string{
			mail.ExtraBreakpointToolCaller:     req.BreakpointToolCaller,
			mail.ExtraBreakpointToolCallResult: req.BreakpointToolCallResult,
		}
		body, err := s.swarm.ResumeTask(r.Context(), req.TaskID, mail.ResumeBreakpointToolCall, "", extras, timeout)
		return req.TaskID, body, err

	default:
		return "", "", fmt.Errorf("unknown resume_from %q", req.ResumeFrom)
	}
}

func writeMessageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mail.ErrTaskTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, mail.ErrTaskCancelled):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mail.ErrUnknownTask):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		writeJSONError(w, http.StatusBadRequest, err.Error())
	}
}

// handleMessageStream serves the task's event stream as SSE frames.
// Recorded events replay first, then live events, with ping heartbeats
// while idle and a terminal task_complete or task_error frame.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	timeout := s.timeoutFor(req.TimeoutSeconds)

	var (
		taskID string
		events <-chan mail.Event
		err    error
	)
	switch req.ResumeFrom {
	case "":
		events, taskID, err = s.swarm.PostMessageStream(r.Context(), req.Subject, req.Body, timeout)
	case string(mail.ResumeUserResponse):
		taskID = req.TaskID
		events, err = s.swarm.ResumeTaskStream(r.Context(), taskID, mail.ResumeUserResponse, req.Body, nil, timeout)
	case string(mail.ResumeBreakpointToolCall):
		taskID = req.TaskID
		events, err = s.swarm.ResumeTaskStream(r.Context(), taskID, mail.ResumeBreakpointToolCall, "", map[string]string{
			mail.ExtraBreakpointToolCaller:     req.BreakpointToolCaller,
			mail.ExtraBreakpointToolCallResult: req.BreakpointToolCallResult,
		}, timeout)
	default:
		err = fmt.Errorf("unknown resume_from %q", req.ResumeFrom)
	}
	if err != nil {
		writeMessageError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if err := writeSSE(w, ev); err != nil {
			logger.DebugCF(logComponent, "stream client gone", map[string]any{"task_id": taskID})
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, ev mail.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
