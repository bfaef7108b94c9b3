package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fosrl/tundns/logger"
)

// StatusResponse is returned by the status endpoint
type StatusResponse struct {
	Version   string   `json:"version,omitempty"`
	Backend   string   `json:"backend,omitempty"`
	Interface string   `json:"interface,omitempty"`
	Servers   []string `json:"servers,omitempty"`
	Applied   bool     `json:"applied"`
	AppliedAt string   `json:"appliedAt,omitempty"`

	// Contested is set while the backend reports other servers for the
	// interface than the ones applied.
	Contested  bool   `json:"contested"`
	Reapplied  int    `json:"reapplied"`
	LastChange string `json:"lastChange,omitempty"`

	ResolvConfManaged bool   `json:"resolvConfManaged"`
	ResolvConfError   string `json:"resolvConfError,omitempty"`
}

// API represents the HTTP server and its state
type API struct {
	addr         string
	socketPath   string
	listener     net.Listener
	server       *http.Server
	applyChan    chan struct{}
	resetChan    chan struct{}
	shutdownChan chan struct{}

	statusMu          sync.RWMutex
	version           string
	backend           string
	iface             string
	servers           []string
	applied           bool
	appliedAt         time.Time
	contested         bool
	reapplied         int
	lastChange        time.Time
	resolvConfManaged bool
	resolvConfError   string
}

// NewAPI creates a new HTTP server that listens on a TCP address
func NewAPI(addr string) *API {
	s := newAPI()
	s.addr = addr
	return s
}

// NewAPISocket creates a new HTTP server that listens on a Unix socket or Windows named pipe
func NewAPISocket(socketPath string) *API {
	s := newAPI()
	s.socketPath = socketPath
	return s
}

func newAPI() *API {
	return &API{
		applyChan:         make(chan struct{}, 1),
		resetChan:         make(chan struct{}, 1),
		shutdownChan:      make(chan struct{}, 1),
		resolvConfManaged: true,
	}
}

func (s *API) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/apply", s.handleApply)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/exit", s.handleExit)
	return mux
}

// Start starts the HTTP server
func (s *API) Start() error {
	s.server = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var err error
	if s.socketPath != "" {
		// Use platform-specific socket listener
		s.listener, err = createSocketListener(s.socketPath)
		if err != nil {
			return fmt.Errorf("failed to create socket listener: %w", err)
		}
		logger.Info("Starting HTTP server on socket %s", s.socketPath)
	} else {
		s.listener, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to create TCP listener: %w", err)
		}
		logger.Info("Starting HTTP server on %s", s.listener.Addr())
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the listening address once started.
func (s *API) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the HTTP server
func (s *API) Stop() error {
	logger.Info("Stopping api server")

	if s.server != nil {
		s.server.Close()
	}

	if s.socketPath != "" {
		cleanupSocket(s.socketPath)
	}

	return nil
}

// GetApplyChannel returns the channel for receiving re-apply requests
func (s *API) GetApplyChannel() <-chan struct{} {
	return s.applyChan
}

// GetResetChannel returns the channel for receiving reset requests
func (s *API) GetResetChannel() <-chan struct{} {
	return s.resetChan
}

// GetShutdownChannel returns the channel for receiving shutdown requests
func (s *API) GetShutdownChannel() <-chan struct{} {
	return s.shutdownChan
}

// SetVersion sets the tundns version
func (s *API) SetVersion(version string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.version = version
}

// SetBackend sets the configurator name and the tunnel interface
func (s *API) SetBackend(backend, iface string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.backend = backend
	s.iface = iface
}

// SetApplied records the servers that are in effect, or clears them.
func (s *API) SetApplied(applied bool, servers []string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.applied = applied
	if applied {
		s.servers = servers
		s.appliedAt = time.Now()
		s.contested = false
	} else {
		s.servers = nil
		s.appliedAt = time.Time{}
	}
}

// SetContested records the outcome of the last resolver change notification
func (s *API) SetContested(contested bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.contested = contested
	s.lastChange = time.Now()
}

// IncReapplied counts a successful re-apply after a contested change
func (s *API) IncReapplied() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.reapplied++
}

// SetResolvConfStatus records the last resolv.conf check
func (s *API) SetResolvConfStatus(err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.resolvConfManaged = err == nil
	s.resolvConfError = ""
	if err != nil {
		s.resolvConfError = err.Error()
	}
}

// Status returns a snapshot of the reported state
func (s *API) Status() StatusResponse {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	resp := StatusResponse{
		Version:           s.version,
		Backend:           s.backend,
		Interface:         s.iface,
		Servers:           s.servers,
		Applied:           s.applied,
		Contested:         s.contested,
		Reapplied:         s.reapplied,
		ResolvConfManaged: s.resolvConfManaged,
		ResolvConfError:   s.resolvConfError,
	}
	if !s.appliedAt.IsZero() {
		resp.AppliedAt = s.appliedAt.Format(time.RFC3339)
	}
	if !s.lastChange.IsZero() {
		resp.LastChange = s.lastChange.Format(time.RFC3339)
	}
	return resp
}

// handleStatus handles the /status endpoint
func (s *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Status())
}

// handleApply handles the /apply endpoint
func (s *API) handleApply(w http.ResponseWriter, r *http.Request) {
	s.signal(w, r, s.applyChan, "apply", "apply request accepted")
}

// handleReset handles the /reset endpoint
func (s *API) handleReset(w http.ResponseWriter, r *http.Request) {
	s.signal(w, r, s.resetChan, "reset", "reset initiated")
}

// handleExit handles the /exit endpoint
func (s *API) handleExit(w http.ResponseWriter, r *http.Request) {
	s.signal(w, r, s.shutdownChan, "exit", "shutdown initiated")
}

func (s *API) signal(w http.ResponseWriter, r *http.Request, ch chan struct{}, name, status string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger.Info("Received %s request via API", name)

	select {
	case ch <- struct{}{}:
	default:
		// Channel already has a signal, don't block
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": status,
	})
}
