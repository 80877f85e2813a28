package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/config"
	"github.com/ButyrinIA/storyfeed/internal/media"
	"github.com/ButyrinIA/storyfeed/internal/session"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg      *config.Config
	storage  storage.Storage
	sessions *session.Manager
	files    *media.FileStore
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
	handler  http.Handler
}

func New(cfg *config.Config, store storage.Storage, sessions *session.Manager, files *media.FileStore) *Server {
	s := &Server{
		cfg:      cfg,
		storage:  store,
		sessions: sessions,
		files:    files,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "server"),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/signup", s.handleSignUp)
	mux.HandleFunc("POST /auth/signin", s.handleSignIn)
	mux.HandleFunc("GET /auth/session", s.handleSession)

	mux.HandleFunc("GET /collections/{name}", s.handleQuery)
	mux.HandleFunc("GET /collections/{name}/count", s.handleCount)
	mux.HandleFunc("POST /collections/{name}", s.handleInsert)
	mux.HandleFunc("DELETE /collections/{name}", s.handleDelete)

	mux.HandleFunc("POST /storage/{bucket}", s.handleUpload)
	if s.files != nil && strings.HasPrefix(s.files.BaseURL, "/") {
		mux.Handle("GET "+s.files.BaseURL+"/", http.StripPrefix(s.files.BaseURL, http.FileServer(http.Dir(s.files.Root))))
	}

	mux.HandleFunc("GET /realtime", s.handleRealtime)
	return s.logRequests(s.authenticate(mux))
}

// Handler возвращает корневой обработчик, например для httptest
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run обслуживает запросы до отмены ctx, затем корректно завершает работу
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.log.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authenticate кладет в контекст сессию из заголовка Authorization или
// параметра access_token (для websocket). Неверный токен - 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		sess, err := s.sessions.Resume(r.Context(), token)
		if err != nil {
			if !errors.Is(err, session.ErrInvalidToken) && !errors.Is(err, storage.ErrNotFound) {
				s.writeError(w, r, err)
				return
			}
			s.writeError(w, r, session.ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), sess)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack нужен websocket.Upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not implement http.Hijacker")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request")
	})
}
