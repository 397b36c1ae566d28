// Package httpapi serves registry reads and commands over plain HTTP.
// Every request travels through the registry inbox like a websocket
// command, so reads observe a consistent state.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"radicalpixels.io/internal/persistence/indexdb"
	"radicalpixels.io/internal/protocol"
	"radicalpixels.io/internal/sim/registry"
)

type Registry interface {
	Submit(ctx context.Context, cmd protocol.Command) (registry.Outcome, error)
	Metrics() registry.Metrics
}

type Config struct {
	RegistryID string

	// CommandsPerSecond and Burst bound POST /v1/commands across all
	// callers. Zero disables limiting.
	CommandsPerSecond float64
	Burst             int

	SubmitTimeout time.Duration
}

type API struct {
	reg       Registry
	index     indexdb.Index
	cfg       Config
	validator *protocol.Validator
	limiter   *rate.Limiter
	log       *log.Logger
	started   time.Time
}

// New returns the API. index may be nil when no index backend is configured.
func New(reg Registry, index indexdb.Index, cfg Config, logger *log.Logger) (*API, error) {
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
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.CommandsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), burst)
	}
	return &API{
		reg:       reg,
		index:     index,
		cfg:       cfg,
		validator: v,
		limiter:   lim,
		log:       logger,
		started:   time.Now(),
	}, nil
}

// Mount registers the routes on r.
func (a *API) Mount(r chi.Router) {
	r.Get("/healthz", a.handleHealth)
	r.Get("/metrics", a.handleMetrics)
	r.Route("/v1", func(api chi.Router) {
		api.Get("/cells/{x}/{y}", a.handleCell)
		api.Get("/auctions/{x}/{y}", a.handleAuction)
		api.Get("/actors/{actor}", a.handleActor)
		api.Post("/commands", a.handleCommand)
	})
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	a.Mount(r)
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := a.reg.Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"registry_id": a.cfg.RegistryID,
		"seq":         m.Seq,
		"uptime_s":    int64(time.Since(a.started).Seconds()),
	})
}

func (a *API) handleCell(w http.ResponseWriter, r *http.Request) {
	cell, ok := parseCell(w, r)
	if !ok {
		return
	}
	a.submit(w, r, protocol.Command{Op: protocol.OpCell, Cells: []protocol.CellArg{cell}})
}

func (a *API) handleAuction(w http.ResponseWriter, r *http.Request) {
	cell, ok := parseCell(w, r)
	if !ok {
		return
	}
	a.submit(w, r, protocol.Command{Op: protocol.OpAuction, Cells: []protocol.CellArg{cell}})
}

func (a *API) handleActor(w http.ResponseWriter, r *http.Request) {
	a.submit(w, r, protocol.Command{Op: protocol.OpBalance, Actor: chi.URLParam(r, "actor")})
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.Allow() {
		writeResult(w, rejected("", protocol.ErrRateLimit, "rate limited"))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeResult(w, rejected("", protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	if err := a.validator.ValidateCmd(raw); err != nil {
		writeResult(w, rejected("", protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	var msg protocol.CmdMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeResult(w, rejected("", protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	if msg.ProtocolVersion != protocol.Version {
		writeResult(w, rejected(msg.Command.RequestID, protocol.ErrProtoBadRequest, "bad protocol_version"))
		return
	}
	// The body names the actor and nothing authenticates it, so mutating
	// commands are operator-only. Remote clients use /ws or /mcp.
	if msg.Command.Op.Mutating() && !isLoopback(r.RemoteAddr) {
		writeResult(w, rejected(msg.Command.RequestID, protocol.ErrForbidden, "mutating commands over http are loopback only"))
		return
	}
	a.submit(w, r, msg.Command)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, cmd protocol.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.SubmitTimeout)
	defer cancel()
	out, err := a.reg.Submit(ctx, cmd)
	if err != nil {
		code := protocol.ErrInternal
		if errors.Is(err, registry.ErrBusy) {
			code = protocol.ErrBusy
		}
		writeResult(w, rejected(cmd.RequestID, code, err.Error()))
		return
	}
	writeResult(w, out.Result(cmd.RequestID))
}

func parseCell(w http.ResponseWriter, r *http.Request) (protocol.CellArg, bool) {
	x, errX := strconv.ParseUint(chi.URLParam(r, "x"), 10, 32)
	y, errY := strconv.ParseUint(chi.URLParam(r, "y"), 10, 32)
	if errX != nil || errY != nil {
		writeResult(w, rejected("", protocol.ErrProtoBadRequest, "x and y must be unsigned 32-bit integers"))
		return protocol.CellArg{}, false
	}
	return protocol.CellArg{X: uint32(x), Y: uint32(y)}, true
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

// StatusFor maps a result code to an HTTP status. Registry rule failures are
// conflicts; the command was well formed but not applicable.
func StatusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case protocol.ErrProtoBadRequest, protocol.ErrBadRequest, protocol.ErrOutOfBounds:
		return http.StatusBadRequest
	case protocol.ErrRateLimit:
		return http.StatusTooManyRequests
	case protocol.ErrForbidden:
		return http.StatusForbidden
	case protocol.ErrBusy:
		return http.StatusServiceUnavailable
	case protocol.ErrInternal:
		return http.StatusInternalServerError
	}
	return http.StatusConflict
}

func writeResult(w http.ResponseWriter, res protocol.ResultMsg) {
	res.OK = res.Code == ""
	writeJSON(w, StatusFor(res.Code), res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := a.reg.Metrics()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	id := a.cfg.RegistryID
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s{registry=%q} %v\n", name, help, name, name, id, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s{registry=%q} %d\n", name, help, name, name, id, v)
	}

	counter("radicalpixels_receipts_total", "Sequenced mutating commands.", m.Seq)
	counter("radicalpixels_failed_commands_total", "Sequenced commands that failed.", m.Failed)
	gauge("radicalpixels_last_time_seconds", "Registry clock.", m.LastTime)
	gauge("radicalpixels_actors", "Accounts with a ledger entry.", m.Actors)
	gauge("radicalpixels_owned_cells", "Cells with an owner.", m.OwnedCells)
	gauge("radicalpixels_open_auctions", "Auctions accepting bids.", m.OpenAuctions)
	gauge("radicalpixels_total_supply", "Sum of all balances, escrow included.", m.TotalSupply)
	gauge("radicalpixels_inbox_depth", "Queued commands.", m.InboxDepth)
	gauge("radicalpixels_apply_ms", "Last command apply time.", m.ApplyMS)

	if a.index == nil {
		return
	}
	st := a.index.Stats()
	gauge("radicalpixels_index_queue_depth", "Index writer queue depth.", st.QueueDepth)
	counter("radicalpixels_index_drop_receipt_total", "Receipts dropped by the index writer.", st.DropReceiptTotal)
	counter("radicalpixels_index_drop_snapshot_total", "Snapshots dropped by the index writer.", st.DropSnapshotTotal+st.DropSnapshotStateTotal)
	counter("radicalpixels_index_write_fail_total", "Failed index transactions.", st.WriteFailTotal)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
