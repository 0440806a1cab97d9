package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// maxMessageBytes bounds a single request body
const maxMessageBytes = 4 << 20

// HTTPServer handles incoming HTTP requests for a site
type HTTPServer struct {
	site   protocol.SiteID
	addr   string
	mux    *http.ServeMux
	server *http.Server
	logger *zap.Logger

	onMessage     func(msg protocol.Message)
	onTransaction func(ctx context.Context, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error)
	onListTx      func() *protocol.TransactionListResponse
	metrics       http.Handler
}

// NewHTTPServer creates a new HTTP server for a site
func NewHTTPServer(site protocol.SiteID, addr string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPServer{
		site:   site,
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: logger.With(zap.String("component", "http")),
	}
	s.setupRoutes()
	return s
}

// SetMessageHandler sets the callback that receives protocol messages
func (s *HTTPServer) SetMessageHandler(handler func(msg protocol.Message)) {
	s.onMessage = handler
}

// SetTransactionHandler sets the callback for handling submitted transactions
func (s *HTTPServer) SetTransactionHandler(handler func(ctx context.Context, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error)) {
	s.onTransaction = handler
}

// SetTransactionsHandler sets the callback for listing in-flight transactions.
func (s *HTTPServer) SetTransactionsHandler(handler func() *protocol.TransactionListResponse) {
	s.onListTx = handler
}

func (s *HTTPServer) SetMetricsHandler(handler http.Handler) {
	s.metrics = handler
}

// Handler exposes the routes, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

func (s *HTTPServer) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/message", s.handleMessage)
	s.mux.HandleFunc("/transaction", s.handleTransaction)
	s.mux.HandleFunc("/transactions", s.handleTransactions)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
}

// Start starts the HTTP server and blocks until it stops
func (s *HTTPServer) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	s.logger.Info("Starting server", zap.String("addr", s.addr), zap.String("site", string(s.site)))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth responds to health check requests
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := protocol.HealthResponse{
		Status:  "OK",
		Site:    s.site,
		Address: s.addr,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleMessage queues a protocol message. The reply, if any, travels as a
// separate message.
func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg protocol.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		http.Error(w, "Invalid message body", http.StatusBadRequest)
		return
	}

	if msg.TxnID == "" || msg.Type == "" || msg.Sender == "" {
		http.Error(w, "Message requires type, txn_id and sender", http.StatusBadRequest)
		return
	}

	if s.onMessage == nil {
		http.Error(w, "Message handler not configured", http.StatusServiceUnavailable)
		return
	}

	s.onMessage(msg)
	w.WriteHeader(http.StatusAccepted)
}

// handleTransaction runs a submitted transaction with this site as coordinator
func (s *HTTPServer) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req protocol.TransactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		sendTransactionResponse(w, &protocol.TransactionResponse{
			Success: false,
			Error:   "Invalid request body",
		}, http.StatusBadRequest)
		return
	}

	if s.onTransaction == nil {
		sendTransactionResponse(w, &protocol.TransactionResponse{
			Success: false,
			Error:   "Transaction handler not configured",
		}, http.StatusInternalServerError)
		return
	}

	result, err := s.onTransaction(r.Context(), &req)
	if err != nil {
		resp := &protocol.TransactionResponse{Success: false, Error: err.Error()}
		if result != nil {
			resp.TransactionID = result.TransactionID
		}
		sendTransactionResponse(w, resp, http.StatusInternalServerError)
		return
	}

	// an aborted transaction is a valid outcome, not a server error
	sendTransactionResponse(w, result, http.StatusOK)
}

func sendTransactionResponse(w http.ResponseWriter, resp *protocol.TransactionResponse, httpStatus int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}

func (s *HTTPServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.onListTx == nil {
		http.Error(w, "Transactions handler not configured", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.onListTx())
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.metrics == nil {
		http.Error(w, "Metrics disabled", http.StatusNotFound)
		return
	}
	s.metrics.ServeHTTP(w, r)
}
