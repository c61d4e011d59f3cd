// Package client talks to the daemon's unix control socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"thk/internal/control"
	"thk/internal/domain"
)

// DefaultTimeout bounds a call when the context carries no deadline.
const DefaultTimeout = 5 * time.Second

// Client holds one connection. Calls are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
	enc  *json.Encoder
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	return &Client{conn: conn, rd: bufio.NewReader(conn), enc: json.NewEncoder(conn)}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends req and waits for the reply. Transport failures are returned as
// errors; a failed operation is reported through Reply.Err.
func (c *Client) Call(ctx context.Context, req control.Request) (control.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	c.conn.SetDeadline(deadline)

	if err := c.enc.Encode(req); err != nil {
		return control.Reply{}, fmt.Errorf("send %s: %w", req.Op, err)
	}
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		return control.Reply{}, fmt.Errorf("read %s reply: %w", req.Op, err)
	}
	var rep control.Reply
	if err := json.Unmarshal(line, &rep); err != nil {
		return control.Reply{}, fmt.Errorf("decode %s reply: %w", req.Op, err)
	}
	return rep, nil
}

func (c *Client) do(ctx context.Context, req control.Request) (control.Reply, error) {
	rep, err := c.Call(ctx, req)
	if err != nil {
		return rep, err
	}
	return rep, rep.Err()
}

// Version returns the daemon's packed version.
func (c *Client) Version(ctx context.Context) (uint32, error) {
	rep, err := c.do(ctx, control.Request{Op: control.OpVersion})
	return rep.Version, err
}

// Validate asks for a decision on command.
func (c *Client) Validate(ctx context.Context, command string, flags domain.Flags) (domain.ValidationResult, error) {
	rep, err := c.do(ctx, control.Request{Op: control.OpValidate, Validate: &control.ValidateArgs{Command: command, Flags: flags}})
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if rep.Result == nil {
		return domain.ValidationResult{}, fmt.Errorf("validate: reply carries no result")
	}
	return *rep.Result, nil
}

// LastResult returns the daemon's most recent decision.
func (c *Client) LastResult(ctx context.Context) (domain.ValidationResult, error) {
	rep, err := c.do(ctx, control.Request{Op: control.OpLastResult})
	if err != nil || rep.Result == nil {
		return domain.ValidationResult{}, err
	}
	return *rep.Result, nil
}

// Stats returns the decision counters.
func (c *Client) Stats(ctx context.Context) (domain.Stats, error) {
	rep, err := c.do(ctx, control.Request{Op: control.OpStats})
	if err != nil || rep.Stats == nil {
		return domain.Stats{}, err
	}
	return *rep.Stats, nil
}

// Config returns the live policy settings.
func (c *Client) Config(ctx context.Context) (domain.PolicyConfig, error) {
	rep, err := c.do(ctx, control.Request{Op: control.OpGetConfig})
	if err != nil || rep.Config == nil {
		return domain.PolicyConfig{}, err
	}
	return *rep.Config, nil
}

// SetConfig changes the audit switch and/or the rate limit.
func (c *Client) SetConfig(ctx context.Context, args control.ConfigArgs) (domain.PolicyConfig, error) {
	rep, err := c.do(ctx, control.Request{Op: control.OpSetConfig, Config: &args})
	if err != nil || rep.Config == nil {
		return domain.PolicyConfig{}, err
	}
	return *rep.Config, nil
}

// Blocklist returns the active patterns.
func (c *Client) Blocklist(ctx context.Context) ([]string, error) {
	rep, err := c.do(ctx, control.Request{Op: control.OpListBlocklist})
	return rep.Blocklist, err
}

// SetBlocklist replaces the active patterns.
func (c *Client) SetBlocklist(ctx context.Context, patterns []string) error {
	_, err := c.do(ctx, control.Request{Op: control.OpSetBlocklist, Blocklist: patterns})
	return err
}
