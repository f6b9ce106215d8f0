package ipc

import (
	"encoding/json"
	"net"
	"time"

	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/pf"
)

// Client provides an IPC client for a running hyper-pf.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a new IPC client. An empty addr selects DefaultAddr.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{addr: addr, timeout: 5 * time.Second}
}

// call sends one request and decodes the response data into out, which
// may be nil. Server side errors come back with their kind.
func (c *Client) call(req Request, out any) error {
	conn, err := net.DialTimeout("tcp", c.addr, 2*time.Second)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "hyper-pf is not running"), "addr", c.addr)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to send request")
	}

	decoder := json.NewDecoder(conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to read response")
	}
	if !resp.OK {
		return errors.Attr(errors.New(errors.ParseKind(resp.Kind), resp.Error), "command", req.Command)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to decode response")
	}
	return nil
}

// Ping checks if the server is running.
func (c *Client) Ping() error {
	return c.call(Request{Command: CmdPing}, nil)
}

// Status retrieves the engine counters.
func (c *Client) Status() (*pf.Status, error) {
	var st pf.Status
	if err := c.call(Request{Command: CmdStatus}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// States lists the state table.
func (c *Client) States() ([]pf.StateInfo, error) {
	var states []pf.StateInfo
	err := c.call(Request{Command: CmdStates}, &states)
	return states, err
}

// SourceNodes lists the source tracking nodes.
func (c *Client) SourceNodes() ([]pf.SourceNodeInfo, error) {
	var nodes []pf.SourceNodeInfo
	err := c.call(Request{Command: CmdSrcNodes}, &nodes)
	return nodes, err
}

// Rules lists the active rules with their counters.
func (c *Client) Rules() ([]pf.RuleInfo, error) {
	var rules []pf.RuleInfo
	err := c.call(Request{Command: CmdRules}, &rules)
	return rules, err
}

// KillStates removes the states from src to dst and returns how many
// went. Either side may be empty to match any address.
func (c *Client) KillStates(src, dst string) (int, error) {
	var resp CountResponse
	err := c.call(Request{Command: CmdKill, Src: src, Dst: dst}, &resp)
	return resp.Count, err
}

// FlushSourceNodes drops every source node and returns the count.
func (c *Client) FlushSourceNodes() (int, error) {
	var resp CountResponse
	err := c.call(Request{Command: CmdFlushSrcNodes}, &resp)
	return resp.Count, err
}
