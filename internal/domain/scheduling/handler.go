package scheduling

import (
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/practice/practice/internal/platform/auth"
	"github.com/practice/practice/pkg/pagination"
)

type Handler struct {
	svc *Scheduler
}

func NewHandler(svc *Scheduler) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleScheduler, auth.RoleFrontDesk, auth.RoleProvider))
	g.GET("/providers/:id/slots", h.ListSlots)
	g.GET("/reservations", h.ListReservations)
	g.GET("/reservations/:id", h.GetReservation)
	g.POST("/reservations", h.CreateReservation)
	g.POST("/reservations/:id/status", h.TransitionStatus)
	g.POST("/reservations/:id/reschedule", h.Reschedule)
}

// -- Request / response shapes --

// whenRequest accepts either a canonical instant or a practice-local date and
// time. The local form goes through the ambiguity check.
type whenRequest struct {
	Start *time.Time `json:"start,omitempty"`
	Date  string     `json:"date,omitempty"`
	Time  string     `json:"time,omitempty"`
}

type createReservationRequest struct {
	whenRequest
	ClientID        uuid.UUID  `json:"client_id"`
	ProviderID      uuid.UUID  `json:"provider_id"`
	ServiceID       uuid.UUID  `json:"service_id"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	Modality        Modality   `json:"modality"`
	RoomID          *uuid.UUID `json:"room_id,omitempty"`
	AllowOverride   bool       `json:"allow_override,omitempty"`
}

type rescheduleRequest struct {
	whenRequest
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	Modality        Modality   `json:"modality,omitempty"`
	RoomID          *uuid.UUID `json:"room_id,omitempty"`
	AllowOverride   bool       `json:"allow_override,omitempty"`
}

type transitionRequest struct {
	Status Status  `json:"status"`
	Reason *string `json:"reason,omitempty"`
}

type slotView struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	LocalDate string    `json:"local_date"`
	LocalTime string    `json:"local_time"`
}

type slotsResponse struct {
	ProviderID uuid.UUID  `json:"provider_id"`
	Timezone   string     `json:"timezone"`
	Slots      []slotView `json:"slots"`
}

type rescheduleResponse struct {
	Previous    *Reservation `json:"previous"`
	Reservation *Reservation `json:"reservation"`
}

// -- Handlers --

func (h *Handler) ListSlots(c echo.Context) error {
	providerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid provider id")
	}

	q := SlotQuery{ProviderID: providerID, Modality: ModalityInPerson}
	if m := c.QueryParam("modality"); m != "" {
		q.Modality = Modality(m)
	}
	if sid := c.QueryParam("service_id"); sid != "" {
		if q.ServiceID, err = uuid.Parse(sid); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid service_id")
		}
	}

	from, to := c.QueryParam("from"), c.QueryParam("to")
	if d := c.QueryParam("date"); d != "" {
		from, to = d, d
	}
	if from == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "date or from is required")
	}
	if to == "" {
		to = from
	}
	if q.From, err = civil.ParseDate(from); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
	}
	if q.To, err = civil.ParseDate(to); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
	}

	slots, err := h.svc.ListAvailableSlots(c.Request().Context(), q)
	if err != nil {
		return httpError(err)
	}

	loc := h.svc.Location()
	resp := slotsResponse{ProviderID: providerID, Timezone: loc.String(), Slots: make([]slotView, 0, len(slots))}
	for _, s := range slots {
		d, t := ToLocal(s.Start, loc)
		resp.Slots = append(resp.Slots, slotView{Start: s.Start, End: s.End, LocalDate: d.String(), LocalTime: t.String()})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateReservation(c echo.Context) error {
	var body createReservationRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if body.AllowOverride && !auth.HasRole(ctx, auth.RoleScheduler) {
		return echo.NewHTTPError(http.StatusForbidden, "allow_override requires role admin or scheduler")
	}
	if body.AllowOverride {
		c.Set("override", true)
	}
	start, err := body.resolve(h.svc.Location())
	if err != nil {
		return httpError(err)
	}

	r, err := h.svc.CreateReservation(ctx, BookingRequest{
		ClientID:        body.ClientID,
		ProviderID:      body.ProviderID,
		ServiceID:       body.ServiceID,
		Start:           start,
		DurationMinutes: body.DurationMinutes,
		Modality:        body.Modality,
		Room:            roomRequest(body.RoomID, body.Modality),
		AllowOverride:   body.AllowOverride,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) TransitionStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body transitionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.TransitionStatus(c.Request().Context(), id, body.Status, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body rescheduleRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if body.AllowOverride && !auth.HasRole(ctx, auth.RoleScheduler) {
		return echo.NewHTTPError(http.StatusForbidden, "allow_override requires role admin or scheduler")
	}
	if body.AllowOverride {
		c.Set("override", true)
	}
	start, err := body.resolve(h.svc.Location())
	if err != nil {
		return httpError(err)
	}

	req := RescheduleRequest{
		Start:           start,
		DurationMinutes: body.DurationMinutes,
		Modality:        body.Modality,
		AllowOverride:   body.AllowOverride,
	}
	if body.RoomID != nil {
		req.Room = ExplicitRoom(*body.RoomID)
	}
	old, created, err := h.svc.Reschedule(ctx, id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rescheduleResponse{Previous: old, Reservation: created})
}

func (h *Handler) GetReservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.GetReservation(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListReservations(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ReservationFilter
	if v := c.QueryParam("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		f.ProviderID = &id
	}
	if v := c.QueryParam("client_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid client_id")
		}
		f.ClientID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		st := Status(v)
		if !st.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &st
	}
	loc := h.svc.Location()
	if v := c.QueryParam("from"); v != "" {
		d, err := civil.ParseDate(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
		from := startOfDay(d, loc)
		f.From = &from
	}
	if v := c.QueryParam("to"); v != "" {
		d, err := civil.ParseDate(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
		to := startOfDay(d.AddDays(1), loc)
		f.To = &to
	}

	items, total, err := h.svc.ListReservations(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

// -- Helpers --

func (w whenRequest) resolve(loc *time.Location) (time.Time, error) {
	if w.Start != nil {
		return w.Start.UTC(), nil
	}
	if w.Date == "" || w.Time == "" {
		return time.Time{}, validationErr("start or date and time are required")
	}
	d, err := civil.ParseDate(w.Date)
	if err != nil {
		return time.Time{}, validationErr("invalid date %q", w.Date)
	}
	t, err := parseClock(w.Time)
	if err != nil {
		return time.Time{}, validationErr("invalid time %q", w.Time)
	}
	return ToCanonical(d, t, loc)
}

func parseClock(s string) (civil.Time, error) {
	if len(s) == len("15:04") {
		s += ":00"
	}
	return civil.ParseTime(s)
}

func roomRequest(roomID *uuid.UUID, m Modality) RoomRequest {
	if roomID != nil {
		return ExplicitRoom(*roomID)
	}
	if m.NeedsRoom() {
		return RoomPool(m)
	}
	return NoRoom()
}

// httpError maps domain errors onto HTTP statuses.
func httpError(err error) error {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":  conflict.Error(),
			"conflict": conflict,
		})
	case errors.Is(err, ErrClockAmbiguity):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInfrastructure):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduling is temporarily unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
