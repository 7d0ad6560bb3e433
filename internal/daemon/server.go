package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/g960059/remotecmd/internal/api"
	"github.com/g960059/remotecmd/internal/backend"
	"github.com/g960059/remotecmd/internal/config"
	"github.com/g960059/remotecmd/internal/db"
	"github.com/g960059/remotecmd/internal/metrics"
	"github.com/g960059/remotecmd/internal/model"
	"github.com/g960059/remotecmd/internal/otp"
	"github.com/g960059/remotecmd/internal/payload"
	"github.com/g960059/remotecmd/internal/source"
)

const maxBodyBytes = 64 << 10

// Deps are the components the API serves. A nil component disables its
// routes.
type Deps struct {
	Dispatcher *source.Dispatcher
	V1         *source.V1
	V2         *source.V2
	Backend    *backend.Local
	OTP        *otp.Manager
	Metrics    *metrics.Metrics
}

type Server struct {
	cfg         config.Config
	deps        Deps
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	upgrader    websocket.Upgrader
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:  cfg,
		deps: deps,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The socket is private to the user; there is no browser origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if deps.Dispatcher != nil {
		mux.HandleFunc("/v1/notifications", s.notificationsHandler)
	}
	if deps.V2 != nil {
		mux.HandleFunc("/v1/commands", s.commandsHandler)
		mux.HandleFunc("/v1/commands/poll", s.pollHandler)
	}
	if deps.V1 != nil {
		mux.HandleFunc("/v1/history", s.historyHandler)
		mux.HandleFunc("/v1/history/watch", s.historyWatchHandler)
		mux.HandleFunc("/v1/history/dose-match", s.doseMatchHandler)
	}
	if deps.OTP != nil {
		mux.HandleFunc("/v1/otp", s.otpHandler)
	}
	if deps.Metrics != nil {
		mux.Handle("/v1/metrics", deps.Metrics.Handler())
	}
	return s
}

// Handler exposes the routes without the unix socket listener.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.WithField("socket", s.cfg.SocketPath).Info("API listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrCodeInvalid, "could not read body")
		return
	}
	raw, err := payload.Decode(body)
	if err != nil {
		log.WithError(err).Warn("Rejecting push that is not a JSON object")
		s.writeError(w, http.StatusBadRequest, api.ErrCodeDecode, err.Error())
		return
	}
	handler, err := s.deps.Dispatcher.Resolve(raw)
	if err != nil {
		log.WithError(err).Warn("Rejecting push with unsupported version")
		s.writeError(w, http.StatusBadRequest, api.ErrCodeUnsupportedVersion, err.Error())
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.NotificationReceived(handler.Name())
	}

	// Handling outlives the request.
	err = handler.Handle(context.WithoutCancel(r.Context()), raw)
	resp := api.NotificationResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Accepted:      true,
		Version:       handler.Name(),
	}
	switch {
	case err == nil:
	case errors.Is(err, payload.ErrUnrecognizedPayload), errors.Is(err, payload.ErrMissingID):
		s.writeError(w, http.StatusBadRequest, api.ErrCodeDecode, err.Error())
		return
	case errors.Is(err, source.ErrDuplicateCommand), errors.Is(err, source.ErrMissingCommand),
		errors.Is(err, source.ErrFailedCommandIDPersistenceSave):
		resp.Message = err.Error()
	default:
		log.WithError(err).WithField("version", handler.Name()).Error("Push handling failed")
		s.writeError(w, http.StatusInternalServerError, api.ErrCodeInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	results, err := s.deps.V2.Poll(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, http.StatusBadGateway, api.ErrCodeUnavailable, err.Error())
		return
	}
	resp := api.PollResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Results:       make([]api.CommandResult, 0, len(results)),
	}
	for _, res := range results {
		resp.Results = append(resp.Results, api.CommandResult{
			CommandID:   res.CommandID,
			Description: res.Description,
			State:       string(res.State),
			Message:     res.Message,
			Executed:    res.Executed,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) commandsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listCommands(w, r)
	case http.MethodPost:
		s.enqueueCommand(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.deps.V2.FetchCommands(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, api.ErrCodeUnavailable, err.Error())
		return
	}
	resp := api.CommandsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Commands:      make([]api.CommandResponse, 0, len(cmds)),
	}
	for _, c := range cmds {
		item, err := api.NewCommandResponse(c)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, api.ErrCodeInternal, err.Error())
			return
		}
		resp.Commands = append(resp.Commands, item)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) enqueueCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backend == nil {
		s.writeError(w, http.StatusServiceUnavailable, api.ErrCodeUnavailable, "local command queue disabled")
		return
	}
	var req api.EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrCodeInvalid, "invalid json body")
		return
	}
	if len(req.Action) == 0 {
		s.writeError(w, http.StatusBadRequest, api.ErrCodeInvalid, "action is required")
		return
	}
	action, err := model.UnmarshalAction(req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrCodeInvalid, err.Error())
		return
	}
	enq := backend.EnqueueRequest{ID: req.ID, Action: action, OTP: req.OTP}
	if req.CreatedDate != nil {
		enq.CreatedDate = *req.CreatedDate
	}
	cmd, err := s.deps.Backend.Enqueue(r.Context(), enq)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, api.ErrCodeDuplicate, "command id already queued")
			return
		}
		s.writeError(w, http.StatusInternalServerError, api.ErrCodeInternal, err.Error())
		return
	}
	item, err := api.NewCommandResponse(cmd)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, api.ErrCodeInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, api.EnqueueResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Command:       item,
	})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, historyEnvelope(s.deps.V1.History()))
	case http.MethodDelete:
		if err := s.deps.V1.DeleteHistory(); err != nil {
			s.writeError(w, http.StatusInternalServerError, api.ErrCodeInternal, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, historyEnvelope(nil))
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// historyWatchHandler streams the full history over a websocket every time it
// changes, starting with the current list.
func (s *Server) historyWatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("History watch upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.Close() //nolint:errcheck

	// The client never sends anything; reading only notices the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	feed := s.deps.V1.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case entries, ok := <-feed:
			if !ok {
				return
			}
			data, err := json.Marshal(historyEnvelope(entries))
			if err != nil {
				log.WithError(err).Error("Encode history update")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithError(err).Debug("History watcher went away")
				return
			}
		}
	}
}

func (s *Server) doseMatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	dose := model.DoseEntry{SyncIdentifier: strings.TrimSpace(q.Get("sync_identifier"))}
	if raw := strings.TrimSpace(q.Get("start")); raw != "" {
		start, err := payload.ParseTime(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, api.ErrCodeInvalid, "invalid start")
			return
		}
		dose.StartDate = start
	}
	if raw := strings.TrimSpace(q.Get("units")); raw != "" {
		units, err := strconv.ParseFloat(raw, 64)
		if err != nil || units <= 0 {
			s.writeError(w, http.StatusBadRequest, api.ErrCodeInvalid, "invalid units")
			return
		}
		dose.ProgrammedUnits = units
	}
	s.writeJSON(w, http.StatusOK, historyEnvelope(s.deps.V1.MatchDose(dose)))
}

func (s *Server) otpHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	code, until, err := s.deps.OTP.Current()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, api.ErrCodeInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.OTPResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Code:          code,
		ValidUntil:    until,
	})
}

func historyEnvelope(entries []model.StoredNotification) api.HistoryEnvelope {
	if entries == nil {
		entries = []model.StoredNotification{}
	}
	return api.HistoryEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Notifications: entries,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, api.ErrCodeInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
