package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/dispersy"
	"github.com/mosaicnetworks/dispersy/src/dummy"
)

// Backend is what the service exposes. It is implemented by node.Node.
type Backend interface {
	Info(ctx context.Context, reset bool) (dispersy.Info, error)
	Say(ctx context.Context, text string) error
	Texts() ([]dummy.Entry, error)
}

// Service is the HTTP API of a node.
type Service struct {
	sync.Mutex

	bindAddress string
	backend     Backend
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, backend Backend, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		backend:     backend,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the mux of the service.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Dispersy API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/info", s.makeHandler(s.GetInfo))
	s.mux.HandleFunc("/communities", s.makeHandler(s.GetCommunities))
	s.mux.HandleFunc("/dummy/texts", s.makeHandler(s.GetTexts))
	s.mux.HandleFunc("/dummy/say", s.makeHandler(s.PostSay))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the handler of the service, for tests and for embedding
// the API in another server.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe and shuts the server down when ctx is done.
// This is a blocking call.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Dispersy API")

	server := &http.Server{Addr: s.bindAddress, Handler: s.mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	if err != nil {
		s.logger.Error(err)
	}
	return err
}

// GetStats returns the traffic and pipeline counters.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.Info(r.Context(), false)
	if err != nil {
		s.fail(w, err, "Retrieving stats")
		return
	}

	writeJSON(w, info.Statistics)
}

// GetInfo returns the full state of the node. ?reset=true clears the
// statistics afterwards.
func (s *Service) GetInfo(w http.ResponseWriter, r *http.Request) {
	reset := false
	if param := r.URL.Query().Get("reset"); param != "" {
		var err error
		reset, err = strconv.ParseBool(param)
		if err != nil {
			s.logger.WithError(err).Errorf("Parsing reset parameter %s", param)

			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}
	}

	info, err := s.backend.Info(r.Context(), reset)
	if err != nil {
		s.fail(w, err, "Retrieving info")
		return
	}

	writeJSON(w, info)
}

// GetCommunities returns the loaded communities.
func (s *Service) GetCommunities(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.Info(r.Context(), false)
	if err != nil {
		s.fail(w, err, "Retrieving communities")
		return
	}

	writeJSON(w, info.Communities)
}

// GetTexts returns the texts of the demo community.
func (s *Service) GetTexts(w http.ResponseWriter, r *http.Request) {
	texts, err := s.backend.Texts()
	if err != nil {
		s.fail(w, err, "Retrieving texts")
		return
	}

	writeJSON(w, texts)
}

type sayRequest struct {
	Text string `json:"text"`
}

// PostSay posts a text to the demo community.
func (s *Service) PostSay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req sayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.backend.Say(r.Context(), req.Text); err != nil {
		s.fail(w, err, "Posting text")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) fail(w http.ResponseWriter, err error, msg string) {
	s.logger.WithError(err).Error(msg)

	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}
