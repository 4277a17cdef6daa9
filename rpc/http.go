package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rainchain/core"
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
	codeServerError    = -32000
)

// Server exposes the ledger over JSON-RPC plus a prometheus /metrics
// endpoint.
type Server struct {
	ledger        *core.Ledger
	logger        *slog.Logger
	faucetEnabled bool
}

func NewServer(ledger *core.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ledger: ledger, logger: logger}
}

// EnableFaucet exposes rain_fundAccount. Development deployments only.
func (s *Server) EnableFaucet() {
	s.faucetEnabled = true
}

// Handler returns the HTTP handler serving the RPC endpoint and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves the RPC endpoint until the listener fails.
func (s *Server) Start(addr string, readHeaderTimeout time.Duration) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "rain_createVault":
		s.handleCreateVault(w, req)
	case "rain_depositCollateral":
		s.handleDepositCollateral(w, req)
	case "rain_requestRepaymentAuth":
		s.handleRequestRepaymentAuth(w, req)
	case "rain_releaseToOwner":
		s.handleReleaseToOwner(w, req)
	case "rain_submitBorrowOrder":
		s.handleSubmitBorrowOrder(w, req)
	case "rain_submitLendOrder":
		s.handleSubmitLendOrder(w, req)
	case "rain_fillOrder":
		s.handleFillOrder(w, req)
	case "rain_lenderCommitFill":
		s.handleLenderCommitFill(w, req)
	case "rain_borrowerCompleteFill":
		s.handleBorrowerCompleteFill(w, req)
	case "rain_lenderCancelFill":
		s.handleLenderCancelFill(w, req)
	case "rain_repayPosition":
		s.handleRepayPosition(w, req)
	case "rain_transferPosition":
		s.handleTransferPosition(w, req)
	case "rain_liquidate":
		s.handleLiquidate(w, req)
	case "rain_sellCollateralAndSettle":
		s.handleSellCollateralAndSettle(w, req)
	case "rain_getVault":
		s.handleGetVault(w, req)
	case "rain_getCustody":
		s.handleGetCustody(w, req)
	case "rain_getBalance":
		s.handleGetBalance(w, req)
	case "rain_getOrder":
		s.handleGetOrder(w, req)
	case "rain_listOpenOrders":
		s.handleListOpenOrders(w, req)
	case "rain_getPosition":
		s.handleGetPosition(w, req)
	case "rain_listPositions":
		s.handleListPositions(w, req)
	case "rain_getFillRequest":
		s.handleGetFillRequest(w, req)
	case "rain_listFillRequests":
		s.handleListFillRequests(w, req)
	case "rain_listVaults":
		s.handleListVaults(w, req)
	case "rain_listAuths":
		s.handleListAuths(w, req)
	case "rain_fundAccount":
		s.handleFundAccount(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}
