// Package client is the nexactl HTTP client for the Nexa API.
//
// Responses decode straight into the daemon's own API types. Failed requests
// come back as *APIError carrying the error kind the daemon reported, so
// commands can tell NotFound from NoQuorum without parsing messages.
package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/cmd/nexactl/utils"
	"github.com/concave-dev/nexa/internal/api/handlers"
	"github.com/concave-dev/nexa/internal/cluster"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/scheduler"
	"github.com/go-resty/resty/v2"
)

// APIError is a request the daemon answered with a failure status.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string

	// Set when a membership write could not reach the leader
	LeaderID      string
	LeaderAPIAddr string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API request failed with status %d", e.StatusCode)
	if e.Kind != "" {
		msg += " (" + e.Kind + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.LeaderAPIAddr != "" {
		msg += fmt.Sprintf(" - leader %s is at %s", e.LeaderID, e.LeaderAPIAddr)
	}
	return msg
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// errorBody accepts both the plain error body and the not-leader body.
type errorBody struct {
	Error         protocol.ErrorBody `json:"error"`
	LeaderID      string             `json:"leader_id"`
	LeaderAPIAddr string             `json:"leader_api_addr"`
}

// AgentList is the body of GET /agents.
type AgentList struct {
	Agents []protocol.AgentInfo `json:"agents"`
	Count  int                  `json:"count"`
}

// TaskList is the body of GET /tasks.
type TaskList struct {
	Tasks []handlers.TaskView `json:"tasks"`
	Count int                 `json:"count"`
}

// MemberList is the body of GET /cluster/members.
type MemberList struct {
	Members []cluster.Node `json:"members"`
	Count   int            `json:"count"`
}

// NexaAPIClient talks to one node's HTTP API.
type NexaAPIClient struct {
	client  *resty.Client
	baseURL string
}

// NewNexaAPIClient creates a client for the node at apiAddr. Connection
// failures are retried; HTTP failures are returned as they are.
func NewNexaAPIClient(apiAddr string, timeout int) *NexaAPIClient {
	client := resty.New()
	baseURL := fmt.Sprintf("http://%s/api/v1", apiAddr)

	client.SetLogger(utils.RestyLogger{})
	client.
		SetTimeout(time.Duration(timeout)*time.Second).
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", fmt.Sprintf("nexactl/%s", config.Version))

	client.
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil
		})

	client.OnBeforeRequest(func(c *resty.Client, req *resty.Request) error {
		logging.Debug("Making API request: %s %s", req.Method, req.URL)
		return nil
	})
	client.OnAfterResponse(func(c *resty.Client, resp *resty.Response) error {
		logging.Debug("API response: %s (took %v)", resp.Status(), resp.Time())
		return nil
	})

	return &NexaAPIClient{client: client, baseURL: baseURL}
}

// CreateAPIClient builds a client from the global flags.
func CreateAPIClient() *NexaAPIClient {
	return NewNexaAPIClient(config.Global.APIAddr, config.Global.Timeout)
}

// do sends req and maps every status outside ok to an *APIError.
func (api *NexaAPIClient) do(req *resty.Request, method, path string, ok ...int) (*resty.Response, error) {
	var body errorBody
	resp, err := req.SetError(&body).Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to API server at %s: %w", api.baseURL, err)
	}

	for _, code := range ok {
		if resp.StatusCode() == code {
			return resp, nil
		}
	}

	apiErr := &APIError{
		StatusCode:    resp.StatusCode(),
		Kind:          body.Error.Kind,
		Message:       body.Error.Message,
		LeaderID:      body.LeaderID,
		LeaderAPIAddr: body.LeaderAPIAddr,
	}
	if apiErr.Kind == "" && apiErr.Message == "" {
		apiErr.Message = resp.String()
	}
	return resp, apiErr
}

// Health returns the node's health. A node without a leader answers 503
// with a normal body, which is returned without an error.
func (api *NexaAPIClient) Health() (*handlers.HealthResponse, error) {
	var health handlers.HealthResponse
	// resty decodes 5xx bodies into the error target
	resp, err := api.client.R().SetResult(&health).SetError(&health).Get("/health")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to API server at %s: %w", api.baseURL, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusServiceUnavailable:
		return &health, nil
	}
	return nil, &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
}

// Status returns the node's view of the cluster.
func (api *NexaAPIClient) Status() (*handlers.NodeStatus, error) {
	var status handlers.NodeStatus
	if _, err := api.do(api.client.R().SetResult(&status), http.MethodGet, "/status", http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

// Metrics returns the node's counters, and every peer's with cluster set.
func (api *NexaAPIClient) Metrics(clusterWide bool) (*handlers.NodeMetrics, error) {
	var metrics handlers.NodeMetrics
	req := api.client.R().SetResult(&metrics)
	if clusterWide {
		req.SetQueryParam("scope", "cluster")
	}
	if _, err := api.do(req, http.MethodGet, "/metrics", http.StatusOK); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// Agents lists agents connected to the node, optionally by capability.
func (api *NexaAPIClient) Agents(capability string) ([]protocol.AgentInfo, error) {
	var list AgentList
	req := api.client.R().SetResult(&list)
	if capability != "" {
		req.SetQueryParam("capability", capability)
	}
	if _, err := api.do(req, http.MethodGet, "/agents", http.StatusOK); err != nil {
		return nil, err
	}
	return list.Agents, nil
}

// Agent returns one agent.
func (api *NexaAPIClient) Agent(id string) (*protocol.AgentInfo, error) {
	var agent protocol.AgentInfo
	req := api.client.R().SetResult(&agent).SetPathParam("id", id)
	if _, err := api.do(req, http.MethodGet, "/agents/{id}", http.StatusOK); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Tasks lists tasks known to the node, optionally by state.
func (api *NexaAPIClient) Tasks(state string) ([]handlers.TaskView, error) {
	var list TaskList
	req := api.client.R().SetResult(&list)
	if state != "" {
		req.SetQueryParam("state", state)
	}
	if _, err := api.do(req, http.MethodGet, "/tasks", http.StatusOK); err != nil {
		return nil, err
	}
	return list.Tasks, nil
}

// Task returns one task.
func (api *NexaAPIClient) Task(id string) (*handlers.TaskView, error) {
	var task handlers.TaskView
	req := api.client.R().SetResult(&task).SetPathParam("id", id)
	if _, err := api.do(req, http.MethodGet, "/tasks/{id}", http.StatusOK); err != nil {
		return nil, err
	}
	return &task, nil
}

// SubmitTask submits a task. The placement state says whether it was
// assigned right away or queued.
func (api *NexaAPIClient) SubmitTask(task protocol.TaskInfo) (*scheduler.Placement, error) {
	var placement scheduler.Placement
	req := api.client.R().SetBody(task).SetResult(&placement)
	if _, err := api.do(req, http.MethodPost, "/tasks", http.StatusCreated, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &placement, nil
}

// Members lists the replicated membership.
func (api *NexaAPIClient) Members() ([]cluster.Node, error) {
	var list MemberList
	if _, err := api.do(api.client.R().SetResult(&list), http.MethodGet, "/cluster/members", http.StatusOK); err != nil {
		return nil, err
	}
	return list.Members, nil
}

// Member returns one member.
func (api *NexaAPIClient) Member(id string) (*cluster.Node, error) {
	var node cluster.Node
	req := api.client.R().SetResult(&node).SetPathParam("id", id)
	if _, err := api.do(req, http.MethodGet, "/cluster/members/{id}", http.StatusOK); err != nil {
		return nil, err
	}
	return &node, nil
}

// Join adds a node to the membership through the leader.
func (api *NexaAPIClient) Join(req handlers.JoinRequest) (*cluster.Node, error) {
	var node cluster.Node
	r := api.client.R().SetBody(req).SetResult(&node)
	if _, err := api.do(r, http.MethodPost, "/cluster/members", http.StatusCreated); err != nil {
		return nil, err
	}
	return &node, nil
}

// Leave removes a node from the membership through the leader.
func (api *NexaAPIClient) Leave(id string) error {
	req := api.client.R().SetPathParam("id", id)
	_, err := api.do(req, http.MethodDelete, "/cluster/members/{id}", http.StatusNoContent)
	return err
}
