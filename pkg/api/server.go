// Package api serves the read-only HTTP view of the controller: health, the
// endpoints of this node with their compiled tables, the trigger labels and
// the Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/mizar-sdn/netpol/pkg/epset"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

const shutdownTimeout = 10 * time.Second

// EndpointSource is what the handlers read endpoints from. Satisfied by
// *epset.EndpointSet.
type EndpointSource interface {
	List() []epset.Endpoint
	Get(name string) (epset.Endpoint, bool)
	Compiled(name string, dir poltypes.Direction) (epset.Snapshot, bool)
}

// TriggerSource lists the pod labels policies are waiting on. Satisfied by
// *polset.TriggerIndex.
type TriggerSource interface {
	Labels(dir poltypes.Direction) []string
}

type Server struct {
	addr       string
	endpoints  EndpointSource
	triggers   TriggerSource
	router     *gin.Engine
	httpServer *http.Server
}

func NewServer(addr string, endpoints EndpointSource, triggers TriggerSource) *Server {
	if klog.V(4).Enabled() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		addr:      addr,
		endpoints: endpoints,
		triggers:  triggers,
		router:    gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Router is used by tests to serve requests without a listener.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Starting API server on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	klog.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
