// Package registry talks to the REST side of a signaling server: it registers
// and deregisters users and groups against the connection a signaling client
// currently holds, and lists active users.
//
// Every request carries the current connection id in the connection-id
// header. The id is read when the request is built, so a reconnect that lands
// while a request is in flight can leave the server with a stale id; callers
// that care should re-register after each Connected event.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNoConnection is returned when the identity source has no live
// connection. No request is made in that case.
var ErrNoConnection = errors.New("registry: no signaling connection")

// ConnectionIDHeader is the header that carries the connection id.
const ConnectionIDHeader = "connection-id"

// IdentitySource reports the id of the current signaling connection.
// *signaling.Client satisfies it.
type IdentitySource interface {
	ConnectionID() (string, bool)
}

// Client is a registration API client.
type Client struct {
	// Base URL of the API, e.g. https://signal.example.com/api/.
	BaseURL string

	// The HTTP client used for requests. Sharing the signaling client's
	// HTTPClient keeps cookies in one jar.
	HTTPClient *http.Client

	// Source of the connection id sent with every request.
	Identity IdentitySource
}

// New creates a registry client.
func New(baseURL string, identity IdentitySource) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Identity:   identity,
	}
}

// UserRequest is the body of users/register.
type UserRequest struct {
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId,omitempty"`
	NeedRegister bool   `json:"needRegister"`
}

// GroupRequest is the body of groups/register.
type GroupRequest struct {
	Username     string `json:"username"`
	GroupName    string `json:"groupName"`
	ConnectionID string `json:"connectionId,omitempty"`
	NeedRegister bool   `json:"needRegister"`
}

// Result is the server's answer to a registration request.
type Result struct {
	Username string `json:"username"`
	Success  bool   `json:"success"`
}

// GroupUsers lists the active members of one group.
type GroupUsers struct {
	Users []string `json:"users"`
}

// ActiveUsers lists every active user, by group and outside of any group.
type ActiveUsers struct {
	Groups        map[string]GroupUsers `json:"groups"`
	NonGroupUsers []string              `json:"nonGroupUsers"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string

	// the server's message, when the body carried one
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("registry: %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("registry: %s", e.Status)
}

// RegisterUser binds username to the current connection.
func (c *Client) RegisterUser(ctx context.Context, username string) (*Result, error) {
	return c.user(ctx, username, true)
}

// DeregisterUser releases username.
func (c *Client) DeregisterUser(ctx context.Context, username string) (*Result, error) {
	return c.user(ctx, username, false)
}

// RegisterGroup adds username to group.
func (c *Client) RegisterGroup(ctx context.Context, username, group string) (*Result, error) {
	return c.group(ctx, username, group, true)
}

// DeregisterGroup removes username from group.
func (c *Client) DeregisterGroup(ctx context.Context, username, group string) (*Result, error) {
	return c.group(ctx, username, group, false)
}

func (c *Client) user(ctx context.Context, username string, register bool) (*Result, error) {
	if strings.TrimSpace(username) == "" {
		return nil, errors.New("registry: blank username")
	}

	id, ok := c.connectionID()
	if !ok {
		return nil, ErrNoConnection
	}

	var res Result
	err := c.do(ctx, http.MethodPost, "users/register", id, UserRequest{
		Username:     username,
		ConnectionID: id,
		NeedRegister: register,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) group(ctx context.Context, username, group string, register bool) (*Result, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(group) == "" {
		return nil, errors.New("registry: blank username or group")
	}

	id, ok := c.connectionID()
	if !ok {
		return nil, ErrNoConnection
	}

	var res Result
	err := c.do(ctx, http.MethodPost, "groups/register", id, GroupRequest{
		Username:     username,
		GroupName:    group,
		ConnectionID: id,
		NeedRegister: register,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ActiveUsers fetches the active users known to the server.
func (c *Client) ActiveUsers(ctx context.Context) (*ActiveUsers, error) {
	id, ok := c.connectionID()
	if !ok {
		return nil, ErrNoConnection
	}

	var res ActiveUsers
	if err := c.do(ctx, http.MethodGet, "users/active", id, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) connectionID() (string, bool) {
	if c.Identity == nil {
		return "", false
	}
	id, ok := c.Identity.ConnectionID()
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (c *Client) resolve(path string) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", errors.Wrap(err, "base url parse failed")
	}

	// Keep the base path when joining relative endpoints.
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	ref, err := url.Parse(path)
	if err != nil {
		return "", errors.Wrap(err, "path parse failed")
	}

	return base.ResolveReference(ref).String(), nil
}

func (c *Client) do(ctx context.Context, method, path, connectionID string, body, out interface{}) (err error) {
	u, err := c.resolve(path)
	if err != nil {
		return err
	}

	var r io.Reader
	if body != nil {
		p, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "json marshal failed")
		}
		r = bytes.NewReader(p)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return errors.Wrap(err, "request creation failed")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set(ConnectionIDHeader, connectionID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer func() {
		derr := resp.Body.Close()
		if derr != nil && err == nil {
			err = errors.Wrap(derr, "error in defer")
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read failed")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &msg) == nil {
			se.Message = msg.Message
		}
		return se
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "json unmarshal failed")
	}

	return nil
}
