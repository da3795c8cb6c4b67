package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/events"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/store"
	"github.com/jpvargasdev/Auspex/internal/trigger"
	"github.com/jpvargasdev/Auspex/internal/watcher"
)

// Descriptor is the wire form of a watcher or trigger of an agent.
type Descriptor struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Name          string           `json:"name"`
	Configuration component.Config `json:"configuration"`
}

// LoadSecret returns the shared secret from its value or from a file.
func LoadSecret(secret, file string) (string, error) {
	if secret = strings.TrimSpace(secret); secret != "" {
		return secret, nil
	}
	if file == "" {
		return "", errors.NotValidf("agent secret (set WUD_AGENT_SECRET or WUD_AGENT_SECRET_FILE)")
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return "", errors.Annotate(err, "reading agent secret file")
	}
	if secret = strings.TrimSpace(string(raw)); secret == "" {
		return "", errors.NotValidf("empty agent secret file %s", file)
	}
	return secret, nil
}

// ServerConfig wires the agent API to the services of this host.
type ServerConfig struct {
	Registry   *component.Registry
	Store      *store.Store
	Bus        *events.Bus
	Dispatcher *trigger.Dispatcher
	Secret     string
	Version    string

	// EventBuffer is how many mutations a slow controller may lag behind
	// before its event stream is closed. Zero means 256.
	EventBuffer int
}

func (c ServerConfig) validate() error {
	if c.Secret == "" {
		return errors.NotValidf("empty agent secret")
	}
	if c.Registry == nil || c.Store == nil || c.Bus == nil || c.Dispatcher == nil {
		return errors.NotValidf("incomplete agent server configuration")
	}
	return nil
}

const defaultEventBuffer = 256

// Server serves the inventory of this host to a controller.
type Server struct {
	cfg    ServerConfig
	router *mux.Router
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	s := &Server{cfg: cfg, router: mux.NewRouter()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/containers", s.containers).Methods(http.MethodGet)
	api.HandleFunc("/containers/{id}", s.deleteContainer).Methods(http.MethodDelete)
	api.HandleFunc("/watchers", s.descriptors(component.KindWatcher)).Methods(http.MethodGet)
	api.HandleFunc("/triggers", s.descriptors(component.KindTrigger)).Methods(http.MethodGet)
	api.HandleFunc("/events", s.events).Methods(http.MethodGet)
	api.HandleFunc("/triggers/{type}/{name}", s.runTrigger).Methods(http.MethodPost)
	api.HandleFunc("/triggers/{type}/{name}/batch", s.runTriggerBatch).Methods(http.MethodPost)
	api.HandleFunc("/watchers/{type}/{name}", s.watch).Methods(http.MethodPost)
	api.HandleFunc("/watchers/{type}/{name}/container/{id}", s.watchContainer).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done. TLS is used when certFile and
// keyFile are set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("agent server listening on %s (tls=%t)", addr, certFile != "")
		if certFile != "" {
			errc <- srv.ListenAndServeTLS(certFile, keyFile)
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Trace(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Annotate(err, "agent server shutdown")
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	secret := []byte(s.cfg.Secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(SecretHeader))
		if subtle.ConstantTimeCompare(got, secret) != 1 {
			logger.Warningf("unauthorized request from %s to %s", r.RemoteAddr, r.URL.Path)
			writeError(w, errors.Unauthorizedf("invalid agent secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}

func (s *Server) containers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Store.List(nil))
}

func (s *Server) deleteContainer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.cfg.Store.Delete(id); !ok {
		writeError(w, errors.NotFoundf("container %s", id))
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) descriptors(kind component.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := []Descriptor{}
		for _, c := range s.cfg.Registry.List(kind) {
			// components mirrored from elsewhere are not ours to announce
			if c.Agent() != "" {
				continue
			}
			out = append(out, Descriptor{ID: c.ID(), Type: c.Type(), Name: c.Name(), Configuration: c.Configuration()})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// events streams store mutations, opened by an ack frame. A controller
// that falls behind has its stream closed; it reconnects and resyncs
// through a new handshake.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, errors.NotSupportedf("streaming"))
		return
	}
	sub, cancel := s.cfg.Bus.Subscribe(s.cfg.EventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := writeFrame(w, FrameAck, ackData{Version: s.cfg.Version}); err != nil {
		return
	}
	logger.Infof("controller connected from %s", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			logger.Infof("controller %s disconnected", r.RemoteAddr)
			return
		case <-sub.Lost():
			logger.Warningf("controller %s fell behind the event stream, closing it", r.RemoteAddr)
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			var data any = e.Container
			if e.Type == events.ContainerRemoved {
				data = removedData{ID: e.Container.ID}
			}
			if err := writeFrame(w, string(e.Type), data); err != nil {
				logger.Debugf("writing to controller %s: %v", r.RemoteAddr, err)
				return
			}
		}
	}
}

func (s *Server) runTrigger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var c model.Container
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, errors.BadRequestf("invalid container: %v", err))
		return
	}
	// never proxied further
	c.Agent = ""
	if err := s.cfg.Dispatcher.RunLocal(r.Context(), vars["type"], vars["name"], c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) runTriggerBatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, errors.BadRequestf("invalid body: %v", err))
		return
	}
	var cs []model.Container
	if !strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		writeError(w, errors.BadRequestf("body must be an array of containers"))
		return
	}
	if err := json.Unmarshal(raw, &cs); err != nil {
		writeError(w, errors.BadRequestf("invalid containers: %v", err))
		return
	}
	for i := range cs {
		cs[i].Agent = ""
	}
	if err := s.cfg.Dispatcher.RunLocalBatch(r.Context(), vars["type"], vars["name"], cs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) localWatcher(typ, name string) (watcher.Watcher, error) {
	id := strings.ToLower(typ + "." + name)
	wt, ok := component.Lookup[watcher.Watcher](s.cfg.Registry, component.KindWatcher, id)
	if !ok {
		return nil, errors.NotFoundf("watcher %s", id)
	}
	return wt, nil
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	wt, err := s.localWatcher(vars["type"], vars["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	reports, err := wt.Watch(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) watchContainer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	wt, err := s.localWatcher(vars["type"], vars["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	c, ok := s.cfg.Store.Get(vars["id"])
	if !ok {
		writeError(w, errors.NotFoundf("container %s", vars["id"]))
		return
	}
	report, err := wt.WatchContainer(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.BadRequest), errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, errors.Unauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.NotSupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Errorf("%v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("writing response: %v", err)
	}
}
