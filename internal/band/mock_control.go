package band

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MockBandState is the state of a simulated band as served by the control API.
type MockBandState struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	Connected    bool   `json:"connected"`
	HeartRate    int    `json:"heartRate"`
	AuthBehavior string `json:"authBehavior"`
	Subscribed   bool   `json:"subscribed"`
}

type mockWriteView struct {
	Timestamp time.Time `json:"timestamp"`
	Attribute string    `json:"attribute"`
	DataHex   string    `json:"dataHex"`
}

// MockControlServer exposes the bands of a MockRadio over HTTP so a running
// relay can be driven without hardware.
type MockControlServer struct {
	logger *log.Logger
	radio  *MockRadio
	router chi.Router

	mu     sync.Mutex
	server *http.Server
	wg     sync.WaitGroup
}

func NewMockControlServer(logger *log.Logger, radio *MockRadio) *MockControlServer {
	if logger == nil {
		panic("MockControlServer: logger cannot be nil")
	}
	s := &MockControlServer{
		logger: logger,
		radio:  radio,
		router: chi.NewRouter(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Route("/api/bands", func(r chi.Router) {
		r.Get("/", s.handleListBands)
		r.Route("/{address}", func(r chi.Router) {
			r.Get("/", s.handleGetBand)
			r.Get("/writes", s.handleGetWrites)
			r.Post("/heart-rate", s.handleSetHeartRate)
			r.Post("/notify", s.handleTriggerNotification)
			r.Post("/auth", s.handleSetAuthBehavior)
			r.Post("/disconnect", s.handleDisconnect)
		})
	})
	return s
}

// Handler returns the router, for serving the API from an existing server.
func (s *MockControlServer) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr until Shutdown.
func (s *MockControlServer) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("MockControlServer: listening on http://%s", ln.Addr())
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("MockControlServer: server error: %v", err)
		}
	}()
	return ln.Addr(), nil
}

func (s *MockControlServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *MockControlServer) findBand(w http.ResponseWriter, r *http.Request) (*MockBand, bool) {
	address := chi.URLParam(r, "address")
	for _, b := range s.radio.Bands() {
		if b.address == address {
			return b, true
		}
	}
	respondError(w, http.StatusNotFound, "no band at "+address)
	return nil, false
}

func bandState(b *MockBand) MockBandState {
	b.mu.Lock()
	state := MockBandState{
		Name:         b.name,
		Address:      b.address,
		Connected:    b.link != nil,
		HeartRate:    b.heartRate,
		AuthBehavior: b.auth.String(),
	}
	b.mu.Unlock()
	state.Subscribed = b.Subscribed(AttrHeartRateMeasurement)
	return state
}

func (s *MockControlServer) handleListBands(w http.ResponseWriter, r *http.Request) {
	bands := s.radio.Bands()
	states := make([]MockBandState, 0, len(bands))
	for _, b := range bands {
		states = append(states, bandState(b))
	}
	respondJSON(w, http.StatusOK, states)
}

func (s *MockControlServer) handleGetBand(w http.ResponseWriter, r *http.Request) {
	b, ok := s.findBand(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, bandState(b))
}

func (s *MockControlServer) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	b, ok := s.findBand(w, r)
	if !ok {
		return
	}
	writes := b.Writes()
	views := make([]mockWriteView, 0, len(writes))
	for _, wr := range writes {
		views = append(views, mockWriteView{Timestamp: wr.Timestamp, Attribute: wr.Attr.String(), DataHex: hex.EncodeToString(wr.Data)})
	}
	respondJSON(w, http.StatusOK, views)
}

// handleSetHeartRate sets the value for automatic measurements: POST ?value=72
func (s *MockControlServer) handleSetHeartRate(w http.ResponseWriter, r *http.Request) {
	b, ok := s.findBand(w, r)
	if !ok {
		return
	}
	value, err := strconv.Atoi(r.URL.Query().Get("value"))
	if err != nil || value < 0 || value > 255 {
		respondError(w, http.StatusBadRequest, "value must be an integer between 0 and 255")
		return
	}
	b.SetHeartRate(value)
	respondJSON(w, http.StatusOK, bandState(b))
}

// handleTriggerNotification pushes one measurement with the current value.
func (s *MockControlServer) handleTriggerNotification(w http.ResponseWriter, r *http.Request) {
	b, ok := s.findBand(w, r)
	if !ok {
		return
	}
	delivered := b.PushHeartRate(b.HeartRate())
	respondJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}

// handleSetAuthBehavior: POST ?behavior=accept|refuse|no-touch|silent
func (s *MockControlServer) handleSetAuthBehavior(w http.ResponseWriter, r *http.Request) {
	b, ok := s.findBand(w, r)
	if !ok {
		return
	}
	behavior, err := ParseAuthBehavior(r.URL.Query().Get("behavior"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	b.SetAuthBehavior(behavior)
	respondJSON(w, http.StatusOK, bandState(b))
}

func (s *MockControlServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	b, ok := s.findBand(w, r)
	if !ok {
		return
	}
	b.SimulateDisconnect()
	respondJSON(w, http.StatusOK, bandState(b))
}

// ParseAuthBehavior is the inverse of AuthBehavior.String.
func ParseAuthBehavior(s string) (AuthBehavior, error) {
	for _, b := range []AuthBehavior{AuthAccept, AuthRefuse, AuthNoTouch, AuthSilent} {
		if b.String() == s {
			return b, nil
		}
	}
	return AuthAccept, errors.New("unknown auth behavior " + strconv.Quote(s))
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
