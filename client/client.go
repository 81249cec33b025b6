// Package client talks to the board API on behalf of one project.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

const headerIdempotencyKey = "Idempotency-Key"

// Client is a board.Remote backed by the HTTP API.
type Client struct {
	BaseURL   string
	ProjectID string
	Bearer    string
	HTTP      *http.Client
}

// New creates a Client for one project.
func New(baseURL, projectID, bearer string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		ProjectID: projectID,
		Bearer:    bearer,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) projectPath(parts ...string) string {
	p := "/api/projects/" + url.PathEscape(c.ProjectID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	return req, nil
}

// do sends body as JSON and decodes a successful response into out.
func (c *Client) do(ctx context.Context, method, path, key string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return domain.Wrap(domain.CodeValidation, err, "encode request")
		}
		rd = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, rd)
	if err != nil {
		return domain.Wrap(domain.CodeValidation, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.Wrap(domain.CodeTransient, err, "board api unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Wrap(domain.CodeTransient, err, "decode response")
	}
	return nil
}

// responseError turns an error response into a domain error. The body's
// code wins over the status.
func responseError(resp *http.Response) error {
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = sonic.Unmarshal(data, &body)
	msg := body.Message
	if msg == "" {
		msg = fmt.Sprintf("board api returned %s", resp.Status)
	}
	switch code := domain.Code(body.Code); code {
	case domain.CodeValidation, domain.CodePermissionDenied, domain.CodeNotFound, domain.CodeConflict, domain.CodeTransient:
		return domain.Errorf(code, "%s", msg)
	}
	return domain.Errorf(codeForStatus(resp.StatusCode), "%s", msg)
}

func codeForStatus(status int) domain.Code {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.CodePermissionDenied
	case status == http.StatusNotFound:
		return domain.CodeNotFound
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return domain.CodeConflict
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return domain.CodeTransient
	}
	return domain.CodeValidation
}

func (c *Client) FetchBoard(ctx context.Context, projectID string) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/board", "", nil, &b)
	return b, err
}

func (c *Client) CreateTask(ctx context.Context, t domain.Task, key string) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), key, t, &out)
	return out, err
}

func (c *Client) UpdateTask(ctx context.Context, p domain.TaskPatch, key string) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodPatch, c.projectPath("tasks", p.ID), key, p, &out)
	return out, err
}

func (c *Client) DeleteTask(ctx context.Context, id, key string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("tasks", id), key, nil, nil)
}

func (c *Client) AddMember(ctx context.Context, m domain.Member, key string) (domain.Member, error) {
	var out domain.Member
	err := c.do(ctx, http.MethodPost, c.projectPath("members"), key, m, &out)
	return out, err
}

func (c *Client) UpdateMember(ctx context.Context, p domain.MemberPatch, key string) (domain.Member, error) {
	var out domain.Member
	err := c.do(ctx, http.MethodPatch, c.projectPath("members", p.ID), key, p, &out)
	return out, err
}

func (c *Client) RemoveMember(ctx context.Context, id, key string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("members", id), key, nil, nil)
}

func (c *Client) UpdateProject(ctx context.Context, p domain.ProjectPatch, key string) (domain.Project, error) {
	var out domain.Project
	err := c.do(ctx, http.MethodPatch, c.projectPath(), key, p, &out)
	return out, err
}

// CreateProject creates a project owned by the caller. It is not part of a
// board session, which always works on an existing project.
func (c *Client) CreateProject(ctx context.Context, p domain.Project, key string) (domain.Project, error) {
	var out domain.Project
	err := c.do(ctx, http.MethodPost, "/api/projects", key, p, &out)
	return out, err
}
