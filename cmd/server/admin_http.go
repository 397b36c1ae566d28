package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"radicalpixels.io/internal/persistence/indexdb"
	"radicalpixels.io/internal/persistence/objstore"
	"radicalpixels.io/internal/protocol"
	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/transport/observer"
)

type adminDeps struct {
	reg        *registry.Registry
	index      indexdb.Index
	hub        *observer.Hub
	mirror     *objstore.Mirror
	registryID string
	params     protocol.RegistryParams
	logger     *log.Logger
}

func mountAdmin(r chi.Router, d adminDeps) {
	reg, hub := d.reg, d.hub
	obsSrv := observer.NewServer(hub, reg, d.registryID, d.params, d.logger)

	r.Route("/admin/v1", func(admin chi.Router) {
		admin.Use(loopbackOnly)
		admin.Get("/state", func(rw http.ResponseWriter, r *http.Request) {
			resp := struct {
				RegistryID string                  `json:"registry_id"`
				Params     protocol.RegistryParams `json:"params"`
				Metrics    registry.Metrics        `json:"metrics"`
				Index      *indexdb.Stats          `json:"index,omitempty"`
				Observers  int                     `json:"observers"`
				Drops      uint64                  `json:"observer_drops"`
				Mirror     *objstore.MirrorStats   `json:"mirror,omitempty"`
			}{
				RegistryID: d.registryID,
				Params:     d.params,
				Metrics:    reg.Metrics(),
				Observers:  hub.Subscribers(),
				Drops:      hub.Drops(),
			}
			if d.index != nil {
				st := d.index.Stats()
				resp.Index = &st
			}
			if d.mirror != nil {
				st := d.mirror.Stats()
				resp.Mirror = &st
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
		admin.Post("/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			seq, err := reg.RequestSnapshot(ctx)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "seq": seq, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "seq": seq})
		})
		admin.Get("/observer/bootstrap", obsSrv.BootstrapHandler())
		admin.Get("/observer/ws", obsSrv.WSHandler())
	})
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
