package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"grantpool/core"
	"grantpool/core/events"
	"grantpool/native/strategy"
	"grantpool/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeInvalidState   = -32010
	codeDuplicateVote  = -32011
	codeCapacity       = -32012
	codeNotFound       = -32013
)

// AuthOptions tunes the bearer-token check applied to mutating methods.
type AuthOptions struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
}

// Server is the JSON-RPC front-end for the strategy node.
type Server struct {
	node    *core.Node
	auth    AuthOptions
	logger  *slog.Logger
	metrics *observability.StrategyMetrics
}

// NewServer builds an RPC server around the node and subscribes the metrics
// registry to the engine's event stream. A nil logger falls back to the
// process default.
func NewServer(node *core.Node, auth AuthOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.Strategy()
	node.SetEmitter(metricsEmitter{metrics: metrics})
	return &Server{
		node:    node,
		auth:    auth,
		logger:  logger,
		metrics: metrics,
	}
}

// metricsEmitter counts value-moving engine events.
type metricsEmitter struct {
	metrics *observability.StrategyMetrics
}

func (m metricsEmitter) Emit(evt events.Event) {
	switch evt.EventType() {
	case strategy.EventTypeMilestonePaid:
		m.metrics.MilestonePaid()
	case strategy.EventTypeProjectRejected:
		m.metrics.AbortRefunded()
	}
}

// Handler assembles the HTTP routing surface: the JSON-RPC endpoint plus the
// health and metrics side-channels.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodPost, "/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "grantpool.rpc"))
	return r
}

// RPCRequest is the JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// errorCode maps engine failures onto the wire taxonomy.
func errorCode(err error) int {
	switch {
	case errors.Is(err, strategy.ErrUnauthorized):
		return codeUnauthorized
	case errors.Is(err, strategy.ErrInvalidState):
		return codeInvalidState
	case errors.Is(err, strategy.ErrDuplicateVote):
		return codeDuplicateVote
	case errors.Is(err, strategy.ErrCapacity):
		return codeCapacity
	case errors.Is(err, strategy.ErrNotFound):
		return codeNotFound
	case errors.Is(err, strategy.ErrValidation):
		return codeInvalidParams
	default:
		return codeServerError
	}
}

func errorStatus(code int) int {
	switch code {
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeNotFound:
		return http.StatusNotFound
	case codeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

type rpcHandler struct {
	fn      func(*RPCRequest) (interface{}, error)
	mutates bool
}

func (s *Server) handlers() map[string]rpcHandler {
	return map[string]rpcHandler{
		"strategy_createProject":            {fn: s.handleCreateProject, mutates: true},
		"strategy_registerRecipient":        {fn: s.handleRegisterRecipient, mutates: true},
		"strategy_reviewRecipient":          {fn: s.handleReviewRecipient, mutates: true},
		"strategy_offerMilestones":          {fn: s.handleOfferMilestones, mutates: true},
		"strategy_reviewOfferedMilestones":  {fn: s.handleReviewOfferedMilestones, mutates: true},
		"strategy_submitMilestone":          {fn: s.handleSubmitMilestone, mutates: true},
		"strategy_reviewSubmittedMilestone": {fn: s.handleReviewSubmittedMilestone, mutates: true},
		"strategy_rejectProject":            {fn: s.handleRejectProject, mutates: true},
		"strategy_getProject":               {fn: s.handleGetProject},
		"strategy_getRecipient":             {fn: s.handleGetRecipient},
		"pool_create":                       {fn: s.handleCreatePool, mutates: true},
		"profile_register":                  {fn: s.handleRegisterProfile, mutates: true},
		"profile_addMember":                 {fn: s.handleAddProfileMember, mutates: true},
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "unable to read request body")
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large")
		return
	}
	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload")
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported JSON-RPC version")
		return
	}
	method := strings.TrimSpace(req.Method)
	handler, ok := s.handlers()[method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
		return
	}
	if handler.mutates {
		if rpcErr := s.requireAuth(r); rpcErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, rpcErr.Code, rpcErr.Message)
			return
		}
	}

	correlation := uuid.NewString()
	start := time.Now()
	result, err := handler.fn(req)
	s.metrics.Observe(method, start, err)
	if err != nil {
		code := errorCode(err)
		s.logger.Warn("rpc call failed",
			"method", method,
			"correlation", correlation,
			"code", code,
			"err", err,
		)
		writeError(w, errorStatus(code), req.ID, code, err.Error())
		return
	}
	s.logger.Info("rpc call served", "method", method, "correlation", correlation)
	writeResult(w, req.ID, result)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if !s.auth.Enabled {
		return nil
	}
	secret := strings.TrimSpace(s.auth.HMACSecret)
	if secret == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication secret not configured"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if tokenString == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if issuer := strings.TrimSpace(s.auth.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(s.auth.Audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	_, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return &RPCError{Code: codeUnauthorized, Message: "invalid bearer token"}
	}
	return nil
}
