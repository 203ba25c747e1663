package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/esnunes/forkline/internal/branch"
	"github.com/esnunes/forkline/internal/db"
	"github.com/esnunes/forkline/internal/edit"
	"github.com/esnunes/forkline/internal/notify"
	"github.com/esnunes/forkline/internal/projection"
	"github.com/esnunes/forkline/internal/scope"
	"github.com/esnunes/forkline/internal/session"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Queries  *db.Queries
	Tracker  *scope.Tracker
	Branches *branch.Store
	Sessions *session.Controller
	Edits    *edit.Engine
	View     *projection.View
	Inbox    *notify.Inbox
	Logger   *zap.Logger
}

type Server struct {
	queries  *db.Queries
	tracker  *scope.Tracker
	branches *branch.Store
	sessions *session.Controller
	edits    *edit.Engine
	view     *projection.View
	inbox    *notify.Inbox
	logger   *zap.Logger

	router  *chi.Mux
	httpSrv *http.Server
	ln      net.Listener
	addr    string
}

func New(d Deps) (*Server, error) {
	if d.Queries == nil || d.Tracker == nil || d.Branches == nil || d.Sessions == nil || d.Edits == nil || d.View == nil {
		return nil, errors.New("server: missing dependency")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	s := &Server{
		queries:  d.Queries,
		tracker:  d.Tracker,
		branches: d.Branches,
		sessions: d.Sessions,
		edits:    d.Edits,
		view:     d.View,
		inbox:    d.Inbox,
		logger:   d.Logger.Named("http"),
	}

	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(maxBodySize))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/scope", s.handleGetScope)
		r.Put("/scope", s.handleSetScope)

		r.Post("/projects", s.handleCreateProject)
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Get("/branches", s.handleListBranches)
			r.Post("/branches", s.handleCreateBranch)
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/cancel", s.handleCancel)
			r.Get("/notices", s.handleNotices)
			r.Get("/collaborators", s.handleListCollaborators)
			r.Post("/collaborators", s.handleCreateCollaborator)
		})

		r.Route("/branches/{branchID}", func(r chi.Router) {
			r.Post("/switch", s.handleSwitchBranch)
			r.Patch("/", s.handleRenameBranch)
			r.Delete("/", s.handleDeleteBranch)
			r.Post("/merge", s.handleMergeBranch)
		})

		r.Patch("/messages/{messageID}", s.handleEditMessage)
		r.Get("/messages/{messageID}/assets", s.handleListAssets)
	})

	s.router = r
	s.httpSrv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the server to addr. Call Serve to start handling requests.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	return nil
}

// Serve starts handling HTTP requests. Blocks until ctx is cancelled, then
// shuts down and stops every running session.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("forkline listening", zap.String("addr", "http://"+s.addr))

	if err := s.httpSrv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	s.logger.Info("shutting down")
	s.sessions.Close()
	return nil
}

func (s *Server) Addr() string {
	return s.addr
}
