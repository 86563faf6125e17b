// Package api exposes the registry over HTTP/JSON. Handlers validate raw
// parameters, call the engine, and map its error kinds onto status codes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/netreg-cloud/netreg/pkg/registry"
	"github.com/netreg-cloud/netreg/pkg/util"
	"github.com/netreg-cloud/netreg/pkg/version"
)

// Server is the netregd HTTP server.
type Server struct {
	engine *registry.Engine
	router *mux.Router
	http   *http.Server
}

// NewServer builds the server and its route table.
func NewServer(engine *registry.Engine, listenAddr string) *Server {
	s := &Server{
		engine: engine,
		router: mux.NewRouter(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         listenAddr,
		Handler:      s.logRequests(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)

	r.HandleFunc("/networks", s.handleListNetworks).Methods(http.MethodGet)
	r.HandleFunc("/networks", s.handleCreateNetwork).Methods(http.MethodPost)
	r.HandleFunc("/networks/{uuid}", s.handleGetNetwork).Methods(http.MethodGet)
	r.HandleFunc("/networks/{uuid}", s.handleUpdateNetwork).Methods(http.MethodPut)
	r.HandleFunc("/networks/{uuid}", s.handleDeleteNetwork).Methods(http.MethodDelete)

	r.HandleFunc("/networks/{uuid}/ips", s.handleListIPs).Methods(http.MethodGet)
	r.HandleFunc("/networks/{uuid}/ips/{addr}", s.handleGetIP).Methods(http.MethodGet)
	r.HandleFunc("/networks/{uuid}/ips/{addr}", s.handleUpdateIP).Methods(http.MethodPut)
	r.HandleFunc("/networks/{uuid}/nics", s.handleProvisionNIC).Methods(http.MethodPost)

	r.HandleFunc("/nics", s.handleListNICs).Methods(http.MethodGet)
	r.HandleFunc("/nics", s.handleCreateNIC).Methods(http.MethodPost)
	r.HandleFunc("/nics/{mac}", s.handleGetNIC).Methods(http.MethodGet)
	r.HandleFunc("/nics/{mac}", s.handleUpdateNIC).Methods(http.MethodPut)
	r.HandleFunc("/nics/{mac}", s.handleDeleteNIC).Methods(http.MethodDelete)

	r.HandleFunc("/nic_tags", s.handleListNicTags).Methods(http.MethodGet)
	r.HandleFunc("/nic_tags", s.handleCreateNicTag).Methods(http.MethodPost)
	r.HandleFunc("/nic_tags/{name}", s.handleGetNicTag).Methods(http.MethodGet)
	r.HandleFunc("/nic_tags/{name}", s.handleUpdateNicTag).Methods(http.MethodPut)
	r.HandleFunc("/nic_tags/{name}", s.handleDeleteNicTag).Methods(http.MethodDelete)

	r.HandleFunc("/network_pools", s.handleListPools).Methods(http.MethodGet)
	r.HandleFunc("/network_pools", s.handleCreatePool).Methods(http.MethodPost)
	r.HandleFunc("/network_pools/{uuid}", s.handleGetPool).Methods(http.MethodGet)
	r.HandleFunc("/network_pools/{uuid}", s.handleUpdatePool).Methods(http.MethodPut)
	r.HandleFunc("/network_pools/{uuid}", s.handleDeletePool).Methods(http.MethodDelete)

	r.HandleFunc("/aggregations", s.handleListAggrs).Methods(http.MethodGet)
	r.HandleFunc("/aggregations", s.handleCreateAggr).Methods(http.MethodPost)
	r.HandleFunc("/aggregations/{id}", s.handleGetAggr).Methods(http.MethodGet)
	r.HandleFunc("/aggregations/{id}", s.handleUpdateAggr).Methods(http.MethodPut)
	r.HandleFunc("/aggregations/{id}", s.handleDeleteAggr).Methods(http.MethodDelete)

	r.HandleFunc("/fabrics/{owner}/vlans", s.handleListFabricVLANs).Methods(http.MethodGet)
	r.HandleFunc("/fabrics/{owner}/vlans", s.handleCreateFabricVLAN).Methods(http.MethodPost)
	r.HandleFunc("/fabrics/{owner}/vlans/{id}", s.handleGetFabricVLAN).Methods(http.MethodGet)
	r.HandleFunc("/fabrics/{owner}/vlans/{id}", s.handleUpdateFabricVLAN).Methods(http.MethodPut)
	r.HandleFunc("/fabrics/{owner}/vlans/{id}", s.handleDeleteFabricVLAN).Methods(http.MethodDelete)
	r.HandleFunc("/fabrics/{owner}/vlans/{id}/networks", s.handleListFabricNetworks).Methods(http.MethodGet)
	r.HandleFunc("/fabrics/{owner}/vlans/{id}/networks", s.handleCreateFabricNetwork).Methods(http.MethodPost)
	r.HandleFunc("/fabrics/{owner}/vlans/{id}/networks/{uuid}", s.handleGetFabricNetwork).Methods(http.MethodGet)
	r.HandleFunc("/fabrics/{owner}/vlans/{id}/networks/{uuid}", s.handleDeleteFabricNetwork).Methods(http.MethodDelete)

	r.HandleFunc("/vpc", s.handleListVPCs).Methods(http.MethodGet)
	r.HandleFunc("/vpc", s.handleCreateVPC).Methods(http.MethodPost)
	r.HandleFunc("/vpc/{uuid}", s.handleGetVPC).Methods(http.MethodGet)
	r.HandleFunc("/vpc/{uuid}", s.handleUpdateVPC).Methods(http.MethodPut)
	r.HandleFunc("/vpc/{uuid}", s.handleDeleteVPC).Methods(http.MethodDelete)
	r.HandleFunc("/vpc/{uuid}/networks", s.handleListVPCNetworks).Methods(http.MethodGet)

	r.HandleFunc("/search/ips", s.handleSearchIPs).Methods(http.MethodGet)
}

// Handler returns the route tree, for tests driving the server in-process.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the server until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	util.Infof("netregd %s listening on %s", version.Version, s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		util.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

// handlePing reports the readiness snapshot.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	storeState := "online"
	healthy := true
	if err := s.engine.Ping(r.Context()); err != nil {
		storeState = "offline"
		healthy = false
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "OK",
		"healthy": healthy,
		"services": map[string]string{
			"store": storeState,
		},
		"config": map[string]interface{}{
			"version": version.Version,
		},
	})
}
