package control

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/northforge/mediad/internal/control/httpmw"
	"github.com/northforge/mediad/internal/daemon"
)

// Server is the control plane's HTTP listener: a single "/control"
// websocket upgrade endpoint wrapped in the teacher's request-logging
// middleware, following main.go's mux + http.Server{Addr, Handler}
// shape.
type Server struct {
	httpSrv *http.Server
	hub     *Hub
	log     *zap.Logger
}

// NewServer builds (but does not start) the control-plane listener on
// addr, serving RPC and events for d.
func NewServer(addr string, d *daemon.Daemon, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	hub := NewHub(d, log.Named("control.hub"))
	wsHandler := hub.HandleWS()

	mux := http.NewServeMux()
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		wsHandler(r.Context(), conn)
	})

	return &Server{
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      httpmw.Logging(log.Named("control.http"))(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		hub: hub,
		log: log,
	}
}

// ListenAndServe blocks serving the control plane until the listener
// is closed by Shutdown, returning nil on a clean shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener, waiting up to the
// context deadline for in-flight connections to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
