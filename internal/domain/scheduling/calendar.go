package scheduling

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Window returns the working window for d, or nil on a day off. A window whose
// end is not after its start counts as a day off.
func (w *WorkingHours) Window(d civil.Date) *DayWindow {
	if w == nil {
		return nil
	}
	win, ok := w.Days[d.In(time.UTC).Weekday()]
	if !ok || !win.Start.Before(win.End) {
		return nil
	}
	return &win
}

// Calendar answers when a provider is nominally available.
type Calendar struct {
	repo CalendarRepository
	loc  *time.Location
}

// NewCalendar creates a Calendar over repo in the practice timezone.
func NewCalendar(repo CalendarRepository, loc *time.Location) *Calendar {
	return &Calendar{repo: repo, loc: loc}
}

// WeeklyHours returns the provider's template.
func (c *Calendar) WeeklyHours(ctx context.Context, providerID uuid.UUID) (*WorkingHours, error) {
	wh, err := c.repo.GetWorkingHours(ctx, providerID)
	if err != nil {
		return nil, infra("get working hours", err)
	}
	return wh, nil
}

// WorkingWindow returns the local window for one date, nil for a day off.
func (c *Calendar) WorkingWindow(ctx context.Context, providerID uuid.UUID, date civil.Date) (*DayWindow, error) {
	wh, err := c.WeeklyHours(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return wh.Window(date), nil
}

// BlockedIntervals returns every block that starts, ends or spans [from, to),
// ordered by start.
func (c *Calendar) BlockedIntervals(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]BlockedInterval, error) {
	if !from.Before(to) {
		return nil, validationErr("blocked interval range is empty")
	}
	blocks, err := c.repo.GetBlockedIntervals(ctx, providerID, from, to)
	if err != nil {
		return nil, infra("get blocked intervals", err)
	}
	out := blocks[:0]
	for _, b := range blocks {
		if b.StartAt.Before(b.EndAt) && Overlaps(b.StartAt, b.EndAt, from, to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

// BlockedOn returns the blocks touching the local calendar day d.
func (c *Calendar) BlockedOn(ctx context.Context, providerID uuid.UUID, d civil.Date) ([]BlockedInterval, error) {
	from, to := dayRange(d, d, c.loc)
	return c.BlockedIntervals(ctx, providerID, from, to)
}
