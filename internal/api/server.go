// Package api serves calibration sessions over HTTP. A client creates a
// session, streams tensors into named observers, freezes the scales and
// then quantises values against them.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/slim/internal/calib"
	"github.com/samcharles93/slim/internal/fp8"
	"github.com/samcharles93/slim/internal/logger"
	"github.com/samcharles93/slim/internal/tensor"
)

type Server struct {
	store *SessionStore
	log   logger.Logger
	clock func() time.Time
}

func NewServer(store *SessionStore, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if store == nil {
		store = NewSessionStore(log)
	}
	return &Server{
		store: store,
		log:   log,
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions", s.handleListSessions)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/observe", s.handleObserve)
	e.POST("/v1/sessions/:id/freeze", s.handleFreeze)
	e.POST("/v1/sessions/:id/quantize", s.handleQuantize)
	e.GET("/v1/sessions/:id/observers/:name", s.handleGetObserver)
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil {
		return writeDomainError(c, err)
	}
	format := fp8.E4M3
	if strings.TrimSpace(req.Format) != "" {
		if format, err = fp8.ParseFormat(req.Format); err != nil {
			return writeDomainError(c, err)
		}
	}
	sess := s.store.Create(format, s.clock())
	s.log.Info("session created", "session", sess.ID, "format", format.String())
	return c.JSON(http.StatusOK, sessionResponse(sess.Snapshot()))
}

func (s *Server) handleListSessions(c *echo.Context) error {
	return c.JSON(http.StatusOK, SessionList{Object: "list", Data: s.store.IDs()})
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, sessionResponse(sess.Snapshot()))
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "session not found")
	}
	s.log.Info("session deleted", "session", id)
	return c.JSON(http.StatusOK, DeleteSessionResponse{
		ID:      id,
		Object:  "calibration.session",
		Deleted: true,
	})
}

func (s *Server) handleObserve(c *echo.Context) error {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[ObserveRequest](c.Request().Body)
	if err != nil {
		return writeDomainError(c, err)
	}
	if strings.TrimSpace(req.Name) == "" {
		return writeBadRequest(c, "name is required")
	}
	shape := req.Shape
	if len(shape) == 0 {
		shape = []int{len(req.Data)}
	}
	t, err := tensor.FromData(shape, req.Data)
	if err != nil {
		return writeDomainError(c, err)
	}
	if err := sess.ObserveTensor(req.Name, t); err != nil {
		return writeDomainError(c, err)
	}
	o, _ := sess.Lookup(req.Name)
	return c.JSON(http.StatusOK, ObserverResponse{Object: "calibration.observer", Stats: o.Snapshot()})
}

func (s *Server) handleFreeze(c *echo.Context) error {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	sess.Freeze()
	return c.JSON(http.StatusOK, sessionResponse(sess.Report()))
}

func (s *Server) handleQuantize(c *echo.Context) error {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[QuantizeRequest](c.Request().Body)
	if err != nil {
		return writeDomainError(c, err)
	}
	if len(req.Data) == 0 {
		return writeBadRequest(c, "data must not be empty")
	}
	q, err := sess.Quantize(req.Name, req.Data)
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, QuantizeResponse{
		Object:       "calibration.quantization",
		Name:         req.Name,
		Quantization: q,
	})
}

func (s *Server) handleGetObserver(c *echo.Context) error {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	o, ok := sess.Lookup(c.Param("name"))
	if !ok {
		return writeNotFound(c, "observer not found")
	}
	return c.JSON(http.StatusOK, ObserverResponse{Object: "calibration.observer", Stats: o.Snapshot()})
}

func sessionResponse(r calib.Report) SessionResponse {
	return SessionResponse{Object: "calibration.session", Report: r}
}
