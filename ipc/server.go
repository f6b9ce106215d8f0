// Package ipc provides the local control channel of a running hyper-pf:
// JSON requests over TCP on the loopback interface.
package ipc

import (
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/pf"
)

const (
	DefaultPort = 47847 // "HYNAT" on phone keypad
	DefaultAddr = "127.0.0.1:47847"
)

// Commands understood by the server.
const (
	CmdPing          = "ping"
	CmdStatus        = "status"
	CmdStates        = "states"
	CmdSrcNodes      = "srcnodes"
	CmdRules         = "rules"
	CmdKill          = "kill"
	CmdFlushSrcNodes = "flush-srcnodes"
)

// Request represents an IPC request. Src and Dst select the states a
// kill command removes; an empty prefix matches everything.
type Request struct {
	Command string `json:"command"`
	Src     string `json:"src,omitempty"`
	Dst     string `json:"dst,omitempty"`
}

// Response carries the result of one command, or the kind and message
// of its error.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CountResponse is the data of commands that remove things.
type CountResponse struct {
	Count int `json:"count"`
}

// Engine is the part of the filter the server exposes.
type Engine interface {
	Status() pf.Status
	States() []pf.StateInfo
	SourceNodes() []pf.SourceNodeInfo
	Rules() []pf.RuleInfo
	KillStates(src, dst netip.Prefix) int
	FlushSourceNodes() int
}

// Server provides an IPC server for status queries and state control.
type Server struct {
	addr     string
	engine   Engine
	log      logrus.FieldLogger
	listener net.Listener
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// ServerOption is a functional option for Server configuration.
type ServerOption func(*Server)

// WithLogger sets the logger. Lines carry component=ipc.
func WithLogger(logger logrus.FieldLogger) ServerOption {
	return func(s *Server) {
		s.log = logger
	}
}

// NewServer creates a new IPC server listening on addr once started.
func NewServer(addr string, engine Engine, opts ...ServerOption) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:   addr,
		engine: engine,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("component", "ipc")
	return s
}

// Start begins listening for IPC connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New(errors.KindConflict, "server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to start IPC server"), "addr", s.addr)
	}

	s.listener = listener
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.acceptLoop(listener, s.stopChan)
	s.log.WithField("addr", listener.Addr().String()).Info("IPC server listening")
	return nil
}

// Addr returns the listening address, which differs from the configured
// one when that asked for port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop stops the IPC server and waits for open requests to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Server) acceptLoop(listener net.Listener, stop chan struct{}) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			s.log.WithError(err).Warn("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.log.WithError(err).Debug("bad request")
		return
	}

	data, err := s.dispatch(&req)
	resp := Response{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = errors.GetKind(err).String()
	} else if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			resp = Response{Error: merr.Error(), Kind: errors.KindInternal.String()}
		} else {
			resp.Data = raw
		}
	}

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(resp); err != nil {
		s.log.WithError(err).Debug("failed to write response")
	}
}

func (s *Server) dispatch(req *Request) (any, error) {
	switch req.Command {
	case CmdPing:
		return nil, nil
	case CmdStatus:
		return s.engine.Status(), nil
	case CmdStates:
		return s.engine.States(), nil
	case CmdSrcNodes:
		return s.engine.SourceNodes(), nil
	case CmdRules:
		return s.engine.Rules(), nil
	case CmdKill:
		src, err := parsePrefix(req.Src)
		if err != nil {
			return nil, errors.Attr(err, "field", "src")
		}
		dst, err := parsePrefix(req.Dst)
		if err != nil {
			return nil, errors.Attr(err, "field", "dst")
		}
		n := s.engine.KillStates(src, dst)
		s.log.WithFields(logrus.Fields{"src": req.Src, "dst": req.Dst, "killed": n}).Info("states killed")
		return CountResponse{Count: n}, nil
	case CmdFlushSrcNodes:
		return CountResponse{Count: s.engine.FlushSourceNodes()}, nil
	}
	return nil, errors.Attr(errors.New(errors.KindValidation, "unknown command"), "command", req.Command)
}

// parsePrefix accepts a prefix or a single address. Empty means any.
func parsePrefix(s string) (netip.Prefix, error) {
	if s == "" {
		return netip.Prefix{}, nil
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, errors.Wrapf(err, errors.KindValidation, "invalid address %q", s)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}
