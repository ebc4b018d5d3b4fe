package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	control "procctl-core/closed_loop/process_control"
	"procctl-core/utils"
)

// HealthFunc reports nil while the loop is healthy.
type HealthFunc func() error

// tagJSON is the HTTP representation of a tag.
type tagJSON struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Value    any       `json:"value"`
	Writable bool      `json:"writable"`
	Updated  time.Time `json:"updated"`
}

func toJSON(t Tag) tagJSON {
	var v any = t.Value.Float
	if t.Value.Kind == control.KindBool {
		v = t.Value.Bool
	}
	return tagJSON{
		Name:     t.Name,
		Type:     t.Value.Kind.String(),
		Value:    v,
		Writable: t.Writable,
		Updated:  t.Updated,
	}
}

// API serves the tag table, metrics and health over HTTP.
type API struct {
	tags     *TagServer
	gatherer prometheus.Gatherer
	health   HealthFunc
	log      *utils.Logger
	upgrader websocket.Upgrader
}

// NewAPI builds the HTTP API. tags may be nil when the tags live in another
// backend; only metrics and health are served then.
func NewAPI(tags *TagServer, gatherer prometheus.Gatherer, health HealthFunc, log *utils.Logger) *API {
	return &API{
		tags:     tags,
		gatherer: gatherer,
		health:   health,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if a.tags != nil {
		ns := r.PathPrefix("/ns/{ns}").Subrouter()
		ns.Use(a.namespaceOnly)
		ns.HandleFunc("/tags", a.listTags).Methods(http.MethodGet)
		ns.HandleFunc("/tags/{name}", a.getTag).Methods(http.MethodGet)
		ns.HandleFunc("/tags/{name}", a.putTag).Methods(http.MethodPut)
		ns.HandleFunc("/stream", a.stream).Methods(http.MethodGet)
	}
	return r
}

func (a *API) namespaceOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["ns"] != a.tags.Namespace() {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown namespace %q", mux.Vars(r)["ns"]))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	if a.health != nil {
		if err := a.health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *API) listTags(w http.ResponseWriter, _ *http.Request) {
	snap := a.tags.Snapshot()
	out := make([]tagJSON, 0, len(snap))
	for _, t := range snap {
		out = append(out, toJSON(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getTag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	t, ok := a.tags.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", name, ErrTagNotFound))
		return
	}
	writeJSON(w, http.StatusOK, toJSON(t))
}

func (a *API) putTag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	t, ok := a.tags.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", name, ErrTagNotFound))
		return
	}

	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil || body.Value == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {\"value\": ...}"))
		return
	}
	v, err := decodeValue(t.Value.Kind, body.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.tags.WriteExternal(name, v); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrTagReadOnly):
			status = http.StatusForbidden
		case errors.Is(err, ErrTagType):
			status = http.StatusBadRequest
		case errors.Is(err, ErrTagNotFound):
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	a.log.Info("Tag %s set to %s by %s", name, v, r.RemoteAddr)

	t, _ = a.tags.Lookup(name)
	writeJSON(w, http.StatusOK, toJSON(t))
}

// stream sends the current snapshot followed by every update until the
// client goes away.
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	updates, cancel := a.tags.Subscribe(64)
	defer cancel()

	// reader goroutine only detects the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, t := range a.tags.Snapshot() {
		if err := a.send(conn, toJSON(t)); err != nil {
			return
		}
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := a.send(conn, toJSON(u.Tag)); err != nil {
				a.log.Debug("websocket %s: %v", r.RemoteAddr, err)
				return
			}
		}
	}
}

func (a *API) send(conn *websocket.Conn, v tagJSON) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HTTPServer runs the API in the background.
type HTTPServer struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
	log  *utils.Logger
}

// ListenAndServe binds addr and serves h in a background goroutine.
func ListenAndServe(addr string, h http.Handler, log *utils.Logger) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &HTTPServer{
		srv:  &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		ln:   ln,
		done: make(chan struct{}),
		log:  log,
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Telemetry HTTP server: %v", err)
		}
	}()
	log.Info("Telemetry server running at http://%s", ln.Addr())
	return s, nil
}

func (s *HTTPServer) Addr() string { return s.ln.Addr().String() }

// Stop shuts the server down, waiting at most until ctx expires.
func (s *HTTPServer) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if err != nil {
		err = errors.Join(err, s.srv.Close())
	}
	<-s.done
	return err
}
