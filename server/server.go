// Package server exposes the watcher daemon over a small HTTP API, status
// and restart history reads plus an operator triggered restart.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bboozzoo/relaunch/restart"
	"github.com/bboozzoo/relaunch/watcher"
)

// NotAuthorizedError is returned when a token does not grant an operation.
var NotAuthorizedError = errors.New("not authorized")

// Operations the API knows. Tokens grant a subset of these.
const (
	OpStatus  = "status"
	OpReport  = "report"
	OpRestart = "restart"
)

// Watcher is the daemon state the API exposes. Implemented by
// watcher.Watcher.
type Watcher interface {
	Kick()
	Restarting() bool
	Status() watcher.Status
	LastReport() *restart.Report
}

// Server carries the HTTP control API of the daemon.
type Server struct {
	watcher Watcher
	// authorization of operations, maps a token to a sorted list of
	// operations
	opAuthz map[string][]string
	engine  *gin.Engine
}

// New returns a server exposing w. tokens maps bearer tokens to the
// operations each one allows, eg. a read only token carries just "status"
// and "report".
func New(w Watcher, tokens map[string][]string) (*Server, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("cannot serve without any tokens")
	}
	opAuthz := make(map[string][]string, len(tokens))
	for token, ops := range tokens {
		for _, op := range ops {
			switch op {
			case OpStatus, OpReport, OpRestart:
			default:
				return nil, fmt.Errorf("cannot grant unknown operation %q", op)
			}
		}
		sorted := append([]string(nil), ops...)
		sort.Strings(sorted)
		opAuthz[token] = sorted
	}
	s := &Server{
		watcher: w,
		opAuthz: opAuthz,
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// liveness needs no token, load balancers do not carry secrets
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	api := r.Group("/api/v1")
	api.GET("/status", s.authorized(OpStatus), s.getStatus)
	api.GET("/report", s.authorized(OpReport), s.getReport)
	api.POST("/restart", s.authorized(OpRestart), s.postRestart)
	return r
}

// Engine returns the router, useful in tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// authorized admits requests whose bearer token grants op.
func (s *Server) authorized(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))
		if err := s.opAuthorized(token, op); err != nil {
			logrus.Tracef("request for %v rejected: %v", op, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": NotAuthorizedError.Error()})
			return
		}
		c.Next()
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	fields := strings.SplitN(header, " ", 2)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

func (s *Server) opAuthorized(tok, op string) error {
	opsForToken, ok := s.opAuthz[tok]
	if !ok {
		// unknown token
		return NotAuthorizedError
	}
	i := sort.SearchStrings(opsForToken, op)
	if i < len(opsForToken) && opsForToken[i] == op {
		return nil
	}
	return NotAuthorizedError
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.watcher.Status())
}

func (s *Server) getReport(c *gin.Context) {
	rep := s.watcher.LastReport()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no restart has run yet"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) postRestart(c *gin.Context) {
	if s.watcher.Restarting() {
		c.JSON(http.StatusConflict, gin.H{"error": "restart already in progress"})
		return
	}
	s.watcher.Kick()
	c.JSON(http.StatusAccepted, gin.H{"status": "restart requested"})
}

// Serve makes the API available on l until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler: s.engine,
	}
	go func() {
		<-ctx.Done()
		logrus.Tracef("shutting down the control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Tracef("shutdown: %v", err)
		}
	}()
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
