package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

// maxAPIBodyBytes caps side API request bodies other than screenshots.
const maxAPIBodyBytes = 1 << 20

// ControllerResponse is returned by GET /controller and POST /controller/{id}.
// Controller is null when nobody is elected.
type ControllerResponse struct {
	Controller *string `json:"controller"`
}

// RunCommandRequest is the body of POST /commands/run.
type RunCommandRequest struct {
	Command   string   `json:"command"`
	Arguments []string `json:"arguments"`
	Target    string   `json:"target,omitempty"`
}

// RunServiceRequest is the body of POST /tasks/service-run.
type RunServiceRequest struct {
	ServiceName   string            `json:"serviceName"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Target        string            `json:"target,omitempty"`
}

// RunServiceResponse echoes the correlation id the relay used.
type RunServiceResponse struct {
	CorrelationID string `json:"correlationId"`
}

// ScreenshotUpload is the body of POST /clients/{identity}/screenshot.
type ScreenshotUpload struct {
	ClientID   string    `json:"clientId"`
	Base64PNG  string    `json:"base64Png"`
	CapturedAt time.Time `json:"capturedAt"`
}

// ErrorResponse is the body of every failed side API call.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code and a readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	writeJSON(w, apperrors.HTTPStatus(err), ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeServerInvalidMessage, "invalid request body", err)
	}
	return nil
}

func controllerResponse(identity string) ControllerResponse {
	if identity == "" {
		return ControllerResponse{}
	}
	return ControllerResponse{Controller: &identity}
}

// handleGetController handles GET /controller.
func (s *Server) handleGetController(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, controllerResponse(s.relay.Controller()))
}

// handleSetController handles POST /controller/{identity}. "none" and
// "null" clear the controller.
func (s *Server) handleSetController(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	controller, err := s.relay.AssignController(identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controllerResponse(controller))
}

// handleRunCommand handles POST /commands/run.
func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req RunCommandRequest
	if err := decodeBody(w, r, maxAPIBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, apperrors.InvalidMessage("command is required"))
		return
	}

	env := protocol.New(protocol.RunCommand{Command: req.Command, Arguments: req.Arguments, Target: req.Target})
	if err := s.relay.Dispatch(req.Target, env); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("server: RunCommand %q dispatched (target=%q)", req.Command, req.Target)
	w.WriteHeader(http.StatusAccepted)
}

// handleRunService handles POST /tasks/service-run.
func (s *Server) handleRunService(w http.ResponseWriter, r *http.Request) {
	var req RunServiceRequest
	if err := decodeBody(w, r, maxAPIBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ServiceName) == "" {
		writeError(w, apperrors.InvalidMessage("serviceName is required"))
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	env := protocol.New(protocol.RunService{
		ServiceName:   req.ServiceName,
		CorrelationID: req.CorrelationID,
		Parameters:    req.Parameters,
		Target:        req.Target,
	})
	if err := s.relay.Dispatch(req.Target, env); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("server: RunService %q dispatched (correlation=%s target=%q)", req.ServiceName, req.CorrelationID, req.Target)
	writeJSON(w, http.StatusAccepted, RunServiceResponse{CorrelationID: req.CorrelationID})
}

// handleServiceResult handles POST /clients/service-result. Results go to
// their target, or to everyone when none is named.
func (s *Server) handleServiceResult(w http.ResponseWriter, r *http.Request) {
	var result protocol.ServiceResult
	if err := decodeBody(w, r, maxAPIBodyBytes, &result); err != nil {
		writeError(w, err)
		return
	}
	env := protocol.New(result)
	if err := s.relay.Dispatch(result.Target, env); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleScreenshot handles POST /clients/{identity}/screenshot and relays
// the capture to every other connection.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	var upload ScreenshotUpload
	if err := decodeBody(w, r, s.maxMessageBytes, &upload); err != nil {
		writeError(w, err)
		return
	}
	if upload.Base64PNG == "" {
		writeError(w, apperrors.InvalidMessage("base64Png is required"))
		return
	}
	if upload.ClientID == "" {
		upload.ClientID = identity
	}
	if upload.CapturedAt.IsZero() {
		upload.CapturedAt = time.Now().UTC()
	}

	exclude := ""
	if conn, ok := s.relay.Registry().Lookup(identity); ok {
		exclude = conn.ID()
	}
	env := protocol.New(protocol.Screenshot{
		ClientID:   upload.ClientID,
		Base64PNG:  upload.Base64PNG,
		CapturedAt: upload.CapturedAt,
	})
	n := s.relay.Broadcast(env, exclude)
	if s.debug {
		log.Printf("server: screenshot from %q relayed to %d clients", identity, n)
	}
	w.WriteHeader(http.StatusAccepted)
}
