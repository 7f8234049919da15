// Package api exposes the operator HTTP surface: queue inspection,
// approval, cancellation, rescheduling and manual reconciliation.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"repost/internal/domain"
	"repost/internal/queue"
	"repost/internal/schedule"
	"repost/internal/storage"
	logx "repost/pkg/logx"
)

// Queue is the scheduling surface the handlers drive.
type Queue interface {
	Approve(ctx context.Context, contentID string, ordinal int) (*domain.ScheduledItem, error)
	Cancel(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, at time.Time) (*domain.ScheduledItem, error)
	List(ctx context.Context) ([]*domain.ScheduledItem, error)
	Reconcile(ctx context.Context) (schedule.ReconcileResult, error)
}

// HealthSource reports publish counters for /stats.
type HealthSource interface {
	Health(ctx context.Context) (storage.HealthState, error)
}

type Server struct {
	echo   *echo.Echo
	queue  Queue
	health HealthSource
	log    logx.Logger
	now    func() time.Time
	addr   string
}

type Option func(*Server)

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(addr string, q Queue, h HealthSource, log logx.Logger, opts ...Option) *Server {
	s := &Server{queue: q, health: h, log: log, now: time.Now, addr: addr}
	for _, o := range opts {
		o(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, logx.Err(v.Error))...)
			} else {
				log.Debug("request completed", fields...)
			}
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealthz)
	e.GET("/stats", s.handleStats)
	e.GET("/queue", s.handleList)
	e.POST("/queue/approve", s.handleApprove)
	e.POST("/queue/reconcile", s.handleReconcile)
	e.POST("/queue/:id/cancel", s.handleCancel)
	e.POST("/queue/:id/reschedule", s.handleReschedule)

	s.echo = e
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	err := s.echo.Start(s.addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

type itemView struct {
	ID          string     `json:"id"`
	ContentID   string     `json:"content_id"`
	VariantID   string     `json:"variant_id"`
	Tier        string     `json:"tier"`
	Score       int        `json:"score"`
	PublishAt   time.Time  `json:"publish_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Wait        string     `json:"wait"`
	Status      string     `json:"status"`
	Retries     int        `json:"retries"`
	Unplaceable bool       `json:"unplaceable,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

func (s *Server) view(it *domain.ScheduledItem) itemView {
	wait := time.Duration(0)
	if it.Status == domain.SchedulePending && !it.Unplaceable {
		if d := it.PublishAt.Sub(s.now()); d > 0 {
			wait = d.Round(time.Second)
		}
	}
	return itemView{
		ID:          it.ID,
		ContentID:   it.ContentID,
		VariantID:   it.VariantID,
		Tier:        it.Tier.String(),
		Score:       it.Score,
		PublishAt:   it.PublishAt,
		PublishedAt: it.PublishedAt,
		Wait:        wait.String(),
		Status:      string(it.Status),
		Retries:     it.Retries,
		Unplaceable: it.Unplaceable,
		LastError:   it.LastError,
	}
}

type approveRequest struct {
	ContentID string `json:"content_id"`
	Ordinal   int    `json:"ordinal"`
}

func (s *Server) handleApprove(c echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ContentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content_id is required")
	}
	if req.Ordinal < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "ordinal must be at least 1")
	}
	it, err := s.queue.Approve(c.Request().Context(), req.ContentID, req.Ordinal)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, s.view(it))
}

func (s *Server) handleCancel(c echo.Context) error {
	if err := s.queue.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type rescheduleRequest struct {
	PublishAt time.Time `json:"publish_at"`
}

func (s *Server) handleReschedule(c echo.Context) error {
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PublishAt.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "publish_at is required")
	}
	it, err := s.queue.Reschedule(c.Request().Context(), c.Param("id"), req.PublishAt)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, s.view(it))
}

func (s *Server) handleList(c echo.Context) error {
	items, err := s.queue.List(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	out := make([]itemView, len(items))
	for i, it := range items {
		out[i] = s.view(it)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

func (s *Server) handleReconcile(c echo.Context) error {
	res, err := s.queue.Reconcile(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"changed":   res.Changed,
		"items":     len(res.Items),
		"cancelled": len(res.Cancelled),
		"flagged":   len(res.Flagged),
	})
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(c echo.Context) error {
	h, err := s.health.Health(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	items, err := s.queue.List(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	pending, unplaceable := 0, 0
	perDay := map[string]int{}
	for _, it := range items {
		if it.Status != domain.SchedulePending {
			continue
		}
		pending++
		if it.Unplaceable {
			unplaceable++
			continue
		}
		perDay[it.PublishAt.Format("2006-01-02")]++
	}
	return c.JSON(http.StatusOK, map[string]any{
		"pending":         pending,
		"unplaceable":     unplaceable,
		"per_day":         perDay,
		"total_published": h.TotalPublished,
		"total_failed":    h.TotalFailed,
		"last_success_at": h.LastSuccessAt,
		"last_failure_at": h.LastFailureAt,
	})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrBadState), errors.Is(err, storage.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
