package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"radicalpixels.io/internal/protocol"
	"radicalpixels.io/internal/sim/registry"
)

// Registry is the part of *registry.Registry a session needs.
type Registry interface {
	Submit(ctx context.Context, cmd protocol.Command) (registry.Outcome, error)
}

type Config struct {
	RegistryID string
	Params     protocol.RegistryParams

	// CommandsPerSecond and Burst bound each session. Zero disables limiting.
	CommandsPerSecond float64
	Burst             int

	SubmitTimeout time.Duration
}

type Server struct {
	reg       Registry
	cfg       Config
	validator *protocol.Validator
	log       *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(reg Registry, cfg Config, logger *log.Logger) (*Server, error) {
	v, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		reg:       reg,
		cfg:       cfg,
		validator: v,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}, nil
}

type session struct {
	id      string
	actor   string
	limiter *rate.Limiter
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.log.Printf("session %s: actor=%s joined", sess.id, sess.actor)
		defer s.log.Printf("session %s: closed", sess.id)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			res := s.handleMessage(ctx, sess, msg)
			if err := writeJSON(conn, res); err != nil {
				return
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil
	}
	if base.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return nil
	}
	if err := s.validator.ValidateHello(msg); err != nil {
		closeWith(conn, "invalid HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}

	sess := &session{
		id:      uuid.NewString(),
		actor:   hello.Actor,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if s.cfg.CommandsPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		sess.limiter = rate.NewLimiter(rate.Limit(s.cfg.CommandsPerSecond), burst)
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Actor:           sess.actor,
		RegistryID:      s.cfg.RegistryID,
		Params:          s.cfg.Params,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return sess
}

// handleMessage turns one inbound frame into exactly one RESULT.
func (s *Server) handleMessage(ctx context.Context, sess *session, msg []byte) protocol.ResultMsg {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeCmd {
		return rejected("", protocol.ErrProtoBadRequest, "expected CMD")
	}
	if base.ProtocolVersion != protocol.Version {
		return rejected("", protocol.ErrProtoBadRequest, "bad protocol_version")
	}
	if err := s.validator.ValidateCmd(msg); err != nil {
		return rejected("", protocol.ErrProtoBadRequest, err.Error())
	}
	var cm protocol.CmdMsg
	if err := json.Unmarshal(msg, &cm); err != nil {
		return rejected("", protocol.ErrProtoBadRequest, err.Error())
	}
	cmd := cm.Command

	if !sess.limiter.Allow() {
		return rejected(cmd.RequestID, protocol.ErrRateLimit, "rate limited")
	}

	// Sessions act only as themselves; reads default to the session actor.
	if cmd.Op.Mutating() || cmd.Actor == "" {
		cmd.Actor = sess.actor
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	out, err := s.reg.Submit(sctx, cmd)
	if err != nil {
		return submitFailed(cmd.RequestID, err)
	}
	return out.Result(cmd.RequestID)
}

func rejected(requestID, code, message string) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		RequestID:       requestID,
		Code:            code,
		Message:         message,
	}
}

func submitFailed(requestID string, err error) protocol.ResultMsg {
	if errors.Is(err, registry.ErrBusy) {
		return rejected(requestID, protocol.ErrBusy, err.Error())
	}
	return rejected(requestID, protocol.ErrInternal, err.Error())
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
