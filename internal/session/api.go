package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

// defaultAPITimeout bounds one side API round trip.
const defaultAPITimeout = 10 * time.Second

// API calls the relay's HTTP side APIs.
type API struct {
	Endpoint Endpoint
	Client   *http.Client
}

// NewAPI returns an API client for ep with a bounded timeout.
func NewAPI(ep Endpoint) *API {
	return &API{Endpoint: ep, Client: &http.Client{Timeout: defaultAPITimeout}}
}

type controllerBody struct {
	Controller *string `json:"controller"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Controller returns the elected identity, or "" when nobody is elected.
func (a *API) Controller(ctx context.Context) (string, error) {
	var body controllerBody
	if err := a.do(ctx, http.MethodGet, a.Endpoint.HTTP("/controller"), nil, &body); err != nil {
		return "", err
	}
	return derefString(body.Controller), nil
}

// SetController elects identity. An empty identity clears the controller.
// It returns the controller the relay reports afterwards.
func (a *API) SetController(ctx context.Context, identity string) (string, error) {
	if identity == "" {
		identity = "none"
	}
	var body controllerBody
	u := a.Endpoint.HTTP("/controller/" + url.PathEscape(identity))
	if err := a.do(ctx, http.MethodPost, u, nil, &body); err != nil {
		return "", err
	}
	return derefString(body.Controller), nil
}

// RunCommand asks target (or every client when empty) to run a command.
func (a *API) RunCommand(ctx context.Context, command string, args []string, target string) error {
	req := protocol.RunCommand{Command: command, Arguments: args, Target: target}
	return a.do(ctx, http.MethodPost, a.Endpoint.HTTP("/commands/run"), req, nil)
}

// RunService dispatches a service run and returns its correlation id.
func (a *API) RunService(ctx context.Context, req protocol.RunService) (string, error) {
	var resp struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := a.do(ctx, http.MethodPost, a.Endpoint.HTTP("/tasks/service-run"), req, &resp); err != nil {
		return "", err
	}
	return resp.CorrelationID, nil
}

// PostResult sends a ServiceResult to callback, an absolute URL. An empty
// callback posts to the relay's own /clients/service-result.
func (a *API) PostResult(ctx context.Context, callback string, result protocol.ServiceResult) error {
	if callback == "" {
		callback = a.Endpoint.HTTP("/clients/service-result")
	}
	return a.do(ctx, http.MethodPost, callback, result, nil)
}

// do sends an optional JSON body and decodes an optional JSON reply.
// Relay error bodies come back as coded errors.
func (a *API) do(ctx context.Context, method, u string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperrors.DialFailed(u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", u, err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error.Code != "" {
		return apperrors.New(eb.Error.Code, eb.Error.Message)
	}
	return fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
