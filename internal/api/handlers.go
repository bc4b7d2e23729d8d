package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/relaypoint/drip"
	"github.com/relaypoint/drip/internal/dao"
	"github.com/rs/xid"
)

func (s *Server) trigger(c echo.Context) error {
	action := drip.Action(c.QueryParam("action"))
	if action == "" {
		action = drip.ActionFull
	}
	if action != drip.ActionFull && action != drip.ActionSend {
		return echo.NewHTTPError(http.StatusBadRequest, "action must be 'full' or 'send'")
	}

	sum, err := s.scheduler.Run(c.Request().Context(), action)
	if err != nil {
		s.log.WithError(err).Error("triggered run failed")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) webhook(c echo.Context) error {
	var event drip.WebhookEvent
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse event")
	}
	event.Kind = drip.WebhookKind(c.Param("kind"))
	if !event.Kind.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown webhook kind")
	}
	if event.EventID == "" || event.LeadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event_id and lead_id must be provided")
	}

	applied, err := s.store.ApplyWebhook(c.Request().Context(), event)
	if errors.Is(err, dao.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown lead")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) addDomain(c echo.Context) error {
	var req struct {
		Domain          string `json:"domain"`
		ProductionLimit int    `json:"production_limit"`
		DNSVerified     bool   `json:"dns_verified"`
	}
	if err := c.Bind(&req); err != nil || req.Domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "a domain must be provided")
	}
	if req.ProductionLimit < 1 {
		req.ProductionLimit = 500
	}

	now := time.Now().In(time.UTC)
	d := drip.SendingDomain{
		ID:              xid.New().String(),
		Domain:          req.Domain,
		DNSVerified:     req.DNSVerified,
		WarmupStartedAt: &now,
		IsActive:        true,
		ProductionLimit: req.ProductionLimit,
		DailyLimit:      s.ramp.DailyLimitFor(drip.SendingDomain{WarmupStartedAt: &now, ProductionLimit: req.ProductionLimit}, now),
	}
	if err := s.db.AddDomain(d); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.log.WithField("domain", d.Domain).Info("sending domain added, warmup started")
	return c.JSON(http.StatusOK, d)
}

func (s *Server) forceActivate(c echo.Context) error {
	ok, err := s.ramp.ForceActivate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "domain is already production eligible")
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) setDomainActive(c echo.Context) error {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse body")
	}
	if err := s.db.SetDomainActive(c.Param("id"), req.Active); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) addPhone(c echo.Context) error {
	var req struct {
		Number     string `json:"number"`
		Is10DLC    bool   `json:"is_10dlc"`
		DailyLimit int    `json:"daily_limit"`
	}
	if err := c.Bind(&req); err != nil || req.Number == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "a number must be provided")
	}
	if req.DailyLimit < 1 {
		req.DailyLimit = 200
	}
	p := drip.PhoneNumber{
		ID:         xid.New().String(),
		Number:     req.Number,
		Is10DLC:    req.Is10DLC,
		IsActive:   true,
		DailyLimit: req.DailyLimit,
	}
	if err := s.db.AddPhone(p); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) setPhoneActive(c echo.Context) error {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse body")
	}
	if err := s.db.SetPhoneActive(c.Param("id"), req.Active); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) addCampaign(c echo.Context) error {
	var req struct {
		Name        string              `json:"name"`
		Industry    string              `json:"industry"`
		City        string              `json:"city"`
		LeadsPerDay int                 `json:"leads_per_day"`
		Steps       []drip.SequenceStep `json:"steps"`
	}
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "a name must be provided")
	}
	if req.LeadsPerDay < 1 {
		req.LeadsPerDay = 50
	}
	campaign := drip.Campaign{
		ID:          xid.New().String(),
		Name:        req.Name,
		Industry:    req.Industry,
		City:        req.City,
		LeadsPerDay: req.LeadsPerDay,
		IsActive:    true,
		CreatedAt:   time.Now().In(time.UTC),
	}
	if err := s.db.AddCampaign(campaign); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for i, step := range req.Steps {
		step.CampaignID = campaign.ID
		step.Step = i + 1
		if !step.Channel.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "step channel must be email or sms")
		}
		if err := s.db.AddSequenceStep(step); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, campaign)
}

func (s *Server) addLead(c echo.Context) error {
	var lead drip.Lead
	if err := c.Bind(&lead); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse lead")
	}
	if lead.Email == "" && lead.Phone == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "an email or phone must be provided")
	}
	lead.ID = xid.New().String()
	if lead.Status == "" {
		lead.Status = drip.StatusNew
	}
	if !lead.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown lead status")
	}
	lead.CurrentStep = 0
	now := time.Now().In(time.UTC)
	lead.CreatedAt = now
	lead.UpdatedAt = now

	if err := s.db.AddLead(lead); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, lead)
}

func (s *Server) dashboardSummary(c echo.Context) error {
	domains, err := s.db.ListDomains()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	phones, err := s.db.ListPhones()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	campaigns, err := s.db.ListCampaigns()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	smsOnly := true
	for _, d := range domains {
		if d.ProductionEligible() {
			smsOnly = false
			break
		}
	}

	return c.JSON(http.StatusOK, drip.DashboardSummary{
		Domains:   domains,
		Phones:    phones,
		Campaigns: campaigns,
		SMSOnly:   smsOnly,
	})
}

func (s *Server) dashboardMetrics(c echo.Context) error {
	day := c.Param("day")
	m, err := s.db.GetDailyMetrics(day)
	if errors.Is(err, dao.ErrNotFound) {
		// recompute on demand for today, otherwise report empty
		if day == drip.BusinessDay(time.Now(), s.loc) {
			if rerr := s.rollup.RecomputeDay(c.Request().Context(), time.Now()); rerr == nil {
				m, err = s.db.GetDailyMetrics(day)
			}
		}
	}
	if errors.Is(err, dao.ErrNotFound) {
		return c.JSON(http.StatusOK, drip.DailyMetrics{Day: day})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}
