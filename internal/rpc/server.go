// Package rpc implements the JSON-RPC 2.0 API surface over the claim
// engine, registry, oracle, and ledger (SPEC_FULL.md §6).
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/quillon-labs/quillon-bridge/internal/claim"
	klog "github.com/quillon-labs/quillon-bridge/internal/log"
	"github.com/quillon-labs/quillon-bridge/internal/ledger"
	"github.com/quillon-labs/quillon-bridge/internal/oracle"
	"github.com/quillon-labs/quillon-bridge/internal/refactorlog"
	"github.com/quillon-labs/quillon-bridge/internal/auditlog"
	"github.com/quillon-labs/quillon-bridge/internal/registry"
	"github.com/rs/zerolog"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Server is the JSON-RPC 2.0 HTTP server fronting the bridge's governance,
// claim, system, and oracle actions.
type Server struct {
	addr string

	registry *registry.Registry
	oracle   *oracle.Oracle
	ledger   *ledger.Ledger
	refactor *refactorlog.Log
	audit    *auditlog.Log
	claim    *claim.Engine

	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet
	corsOrigins []string
}

// Config controls IP filtering and CORS. A zero-value Config allows all IPs
// and disables CORS.
type Config struct {
	AllowedIPs  []string
	CORSOrigins []string
}

// New creates a new RPC server wired to the bridge's domain components.
func New(addr string, reg *registry.Registry, orc *oracle.Oracle, ldg *ledger.Ledger, refactor *refactorlog.Log, audit *auditlog.Log, eng *claim.Engine, cfg ...Config) *Server {
	s := &Server{
		addr:     addr,
		registry: reg,
		oracle:   orc,
		ledger:   ldg,
		refactor: refactor,
		audit:    audit,
		claim:    eng,
		logger:   klog.RPC,
	}

	if len(cfg) > 0 {
		s.allowedNets = parseAllowedIPs(cfg[0].AllowedIPs)
		s.corsOrigins = cfg[0].CORSOrigins
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening and serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("rpc server error")
		}
	}()

	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server, waiting up to 5 seconds for
// in-flight requests to finish.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedNets) > 0 {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil || !s.isIPAllowed(ip) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	s.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, `jsonrpc must be "2.0"`)
		return
	}

	result, rpcErr := s.dispatch(&req)
	if rpcErr != nil {
		writeJSON(w, Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
		return
	}
	writeJSON(w, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (s *Server) dispatch(req *Request) (interface{}, *Error) {
	switch req.Method {
	case "RegisterAsset":
		return s.handleRegisterAsset(req)
	case "ApproveSanitized":
		return s.handleApproveSanitized(req)
	case "AddSystemWhitelist":
		return s.handleAddSystemWhitelist(req)
	case "RemoveSystemWhitelist":
		return s.handleRemoveSystemWhitelist(req)
	case "Claim":
		return s.handleClaim(req)
	case "ClaimWithOrigin":
		return s.handleClaimWithOrigin(req)
	case "SystemConsume":
		return s.handleSystemConsume(req)
	case "IsClaimed":
		return s.handleIsClaimed(req)
	case "EnergyBalance":
		return s.handleEnergyBalance(req)
	case "RefactorAudit":
		return s.handleRefactorAudit(req)
	case "GetAsset":
		return s.handleGetAsset(req)
	case "GetReport":
		return s.handleGetReport(req)
	case "SubmitReport":
		return s.handleSubmitReport(req)
	case "SetCommittee":
		return s.handleSetCommittee(req)
	case "SetThreshold":
		return s.handleSetThreshold(req)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: id})
}

func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}
	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
