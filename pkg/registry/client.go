package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/teslashibe/safewalk/internal/httpc"
	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/match"
)

// Client talks to a registry Server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ Registry = (*Client)(nil)

// NewClient creates a client for the registry at baseURL. A nil httpClient
// uses the shared httpc client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

func (c *Client) CreateHelpRequest(ctx context.Context, requesterID string, loc geo.Coordinate) (HelpRequest, error) {
	var req HelpRequest
	err := c.do(ctx, "create", http.MethodPost, "/api/help-requests", createRequestBody{
		RequesterID: requesterID,
		Location:    &loc,
	}, &req)
	return req, err
}

func (c *Client) ListPendingHelpRequests(ctx context.Context) ([]HelpRequest, error) {
	var reqs []HelpRequest
	err := c.do(ctx, "list_pending", http.MethodGet, "/api/help-requests/pending", nil, &reqs)
	return reqs, err
}

func (c *Client) AcceptHelpRequest(ctx context.Context, requestID, helperID string) error {
	return c.do(ctx, "accept", http.MethodPost, "/api/help-requests/"+url.PathEscape(requestID)+"/accept",
		acceptRequestBody{HelperID: helperID}, nil)
}

// CancelHelpRequest withdraws a pending request.
func (c *Client) CancelHelpRequest(ctx context.Context, requestID string) error {
	return c.do(ctx, "cancel", http.MethodPost, "/api/help-requests/"+url.PathEscape(requestID)+"/cancel", nil, nil)
}

func (c *Client) GetHelpRequest(ctx context.Context, requestID string) (HelpRequest, error) {
	var req HelpRequest
	err := c.do(ctx, "get", http.MethodGet, "/api/help-requests/"+url.PathEscape(requestID), nil, &req)
	return req, err
}

func (c *Client) ListVolunteers(ctx context.Context) ([]match.Candidate, error) {
	var out []match.Candidate
	err := c.do(ctx, "list_volunteers", http.MethodGet, "/api/users/volunteers", nil, &out)
	return out, err
}

func (c *Client) ListRequesters(ctx context.Context) ([]match.Candidate, error) {
	var out []match.Candidate
	err := c.do(ctx, "list_requesters", http.MethodGet, "/api/users/requesters", nil, &out)
	return out, err
}

func (c *Client) UpdateLocation(ctx context.Context, userID string, profile Profile, loc geo.Coordinate) error {
	return c.do(ctx, "update_location", http.MethodPut, "/api/users/"+url.PathEscape(userID)+"/location",
		locationBody{Location: &loc, Name: profile.Name, Role: profile.Role}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	req, err := httpc.NewJSONRequest(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}

	resp, err := httpc.Do(c.http, req)
	if err != nil {
		return fmt.Errorf("registry %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg, Op: op}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("registry %s: decode response: %w", op, err)
	}
	return nil
}
