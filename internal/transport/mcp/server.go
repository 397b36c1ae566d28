// Package mcp exposes registry commands as tools over JSON-RPC, for agents
// that speak the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"radicalpixels.io/internal/protocol"
	"radicalpixels.io/internal/sim/ledger"
	"radicalpixels.io/internal/sim/registry"
)

const protocolVersion = "2024-11-05"

type Registry interface {
	Submit(ctx context.Context, cmd protocol.Command) (registry.Outcome, error)
}

type Config struct {
	// HMACSecret enables signed requests. Without it only loopback clients
	// are served and the actor header is trusted as-is.
	HMACSecret string

	CommandsPerSecond float64
	Burst             int
	SubmitTimeout     time.Duration
}

type Server struct {
	reg    Registry
	cfg    Config
	secret []byte
	replay *replayGuard
	log    *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(reg Registry, cfg Config, logger *log.Logger) (*Server, error) {
	if reg == nil {
		return nil, errors.New("mcp: nil registry")
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		reg:      reg,
		cfg:      cfg,
		replay:   newReplayGuard(0),
		log:      logger,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	if v := strings.TrimSpace(cfg.HMACSecret); v != "" {
		s.secret = []byte(v)
	}
	return s, nil
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(rw, "bad body", http.StatusBadRequest)
			return
		}

		actor := strings.TrimSpace(r.Header.Get(headerActor))
		if len(s.secret) > 0 {
			now := s.now()
			a := verify(r, body, s.secret, now)
			if !a.ok() {
				http.Error(rw, a.message, a.status)
				return
			}
			if !s.replay.allow(a.actor, a.signature, now) {
				http.Error(rw, "replayed request", http.StatusUnauthorized)
				return
			}
			actor = a.actor
		} else if !isLoopback(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if ledger.Actor(actor).Reserved() {
			http.Error(rw, "invalid actor", http.StatusForbidden)
			return
		}

		req, err := parseRPCRequest(body)
		if err != nil {
			http.Error(rw, "bad jsonrpc request", http.StatusBadRequest)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.dispatch(r.Context(), actor, req))
	}
}

func (s *Server) dispatch(ctx context.Context, actor string, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "radicalpixels", "version": protocol.Version},
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
		})
	case "tools/list":
		return rpcOK(req.ID, map[string]any{"tools": toolList()})
	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return rpcErr(req.ID, codeInvalidParams, "bad params", nil)
		}
		t, ok := toolByName(p.Name)
		if !ok {
			return rpcErr(req.ID, codeMethodNotFound, "tool not found", map[string]any{"name": p.Name})
		}
		res, err := s.call(ctx, actor, t, p.Arguments)
		if err != nil {
			return rpcErr(req.ID, codeToolFailed, err.Error(), nil)
		}
		return rpcOK(req.ID, res)
	default:
		return rpcErr(req.ID, codeMethodNotFound, "method not found", nil)
	}
}

type toolArgs struct {
	RequestID string             `json:"request_id"`
	Actor     string             `json:"actor"`
	Cells     []protocol.CellArg `json:"cells"`
	Amount    uint64             `json:"amount"`
	Sent      uint64             `json:"sent"`
}

// toolResult follows the MCP tools/call result shape.
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *Server) call(ctx context.Context, actor string, t tool, raw json.RawMessage) (toolResult, error) {
	var args toolArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return toolResult{}, fmt.Errorf("bad arguments: %w", err)
		}
	}
	cmd := protocol.Command{
		RequestID: args.RequestID,
		Op:        t.op,
		Actor:     args.Actor,
		Cells:     args.Cells,
		Amount:    args.Amount,
		Sent:      args.Sent,
	}
	if cmd.Op.Mutating() || cmd.Actor == "" {
		cmd.Actor = actor
	}

	var res protocol.ResultMsg
	if !s.limiter(actor).Allow() {
		res = protocol.ResultMsg{Type: protocol.TypeResult, ProtocolVersion: protocol.Version, RequestID: cmd.RequestID, Code: protocol.ErrRateLimit, Message: "rate limited"}
	} else {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		out, err := s.reg.Submit(sctx, cmd)
		cancel()
		if err != nil {
			return toolResult{}, err
		}
		res = out.Result(cmd.RequestID)
	}

	b, err := json.Marshal(res)
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{Content: []toolContent{{Type: "text", Text: string(b)}}, IsError: !res.OK}, nil
}

func (s *Server) limiter(actor string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[actor]
	if !ok {
		l = rate.NewLimiter(rate.Inf, 0)
		if s.cfg.CommandsPerSecond > 0 {
			l = rate.NewLimiter(rate.Limit(s.cfg.CommandsPerSecond), max(s.cfg.Burst, 1))
		}
		s.limiters[actor] = l
	}
	return l
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
