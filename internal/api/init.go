package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modfin/henry/slicez"
	"github.com/relaypoint/drip/internal/config"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/relaypoint/drip/internal/metrics"
	"github.com/relaypoint/drip/internal/rollup"
	"github.com/relaypoint/drip/internal/scheduler"
	"github.com/relaypoint/drip/internal/store"
	"github.com/relaypoint/drip/internal/warmup"
	"github.com/relaypoint/drip/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

type Server struct {
	e   *echo.Echo
	cfg *config.Config
	log *logrus.Logger

	db        dao.DAO
	scheduler *scheduler.Scheduler
	store     *store.Store
	ramp      *warmup.Ramp
	rollup    *rollup.Rollup
	loc       *time.Location
}

func New(cfg *config.Config, db dao.DAO, sch *scheduler.Scheduler, st *store.Store, ramp *warmup.Ramp, ru *rollup.Rollup, loc *time.Location, lc *tools.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		log:       lc.New("api"),
		db:        db,
		scheduler: sch,
		store:     st,
		ramp:      ramp,
		rollup:    ru,
		loc:       loc,
	}

	e := echo.New()
	e.HideBanner = true

	prom := prometheus.NewPrometheus("drip", nil)
	e.Use(middleware.Recover(), prom.HandlerFunc)

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.HttpMetrics()))
	}

	authed := e.Group("", s.keyAuth)
	authed.POST("/trigger", s.trigger)
	authed.POST("/webhook/:kind", s.webhook)
	authed.POST("/domains", s.addDomain)
	authed.POST("/domains/:id/force-activate", s.forceActivate)
	authed.POST("/domains/:id/active", s.setDomainActive)
	authed.POST("/phones", s.addPhone)
	authed.POST("/phones/:id/active", s.setPhoneActive)
	authed.POST("/campaigns", s.addCampaign)
	authed.POST("/leads", s.addLead)
	authed.GET("/dashboard/summary", s.dashboardSummary)
	authed.GET("/dashboard/metrics/:day", s.dashboardMetrics)

	s.e = e
	return s
}

// keyAuth checks the api key query param against the configured key set.
// With no keys configured everything is allowed, meant for local use only.
func (s *Server) keyAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if len(s.cfg.APIKeys) == 0 {
			return next(c)
		}
		key := c.QueryParam("key")
		if key == "" || !slicez.Contains(s.cfg.APIKeys, key) {
			return echo.NewHTTPError(http.StatusUnauthorized, "a valid api key must be provided")
		}
		return next(c)
	}
}

func (s *Server) Start() {
	go func() {
		var err error
		addr := fmt.Sprintf(":%d", s.cfg.APIPort)
		if s.cfg.APIAutoTLS {
			s.e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.Hostname)
			s.e.AutoTLSManager.Email = s.cfg.APIAutoTLSEmail
			s.e.AutoTLSManager.Cache = autocert.DirCache(".autocert-cache")
			s.log.WithField("host", s.cfg.Hostname).Info("starting api server with auto tls")
			err = s.e.StartAutoTLS(addr)
		} else {
			s.log.WithField("addr", addr).Info("starting api server")
			err = s.e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("api server stopped")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
