package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/practice/practice/internal/platform/db"
)

// PGStore is the Postgres implementation of Store.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) db.Querier { return db.Conn(ctx, s.pool) }

// =========== Unit of work ===========

func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithinTx(ctx, s.pool, fn)
}

func (s *PGStore) LockResources(ctx context.Context, keys []string) error {
	return db.AdvisoryLock(ctx, keys)
}

// =========== Calendar ===========

func (s *PGStore) GetWorkingHours(ctx context.Context, providerID uuid.UUID) (*WorkingHours, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT weekday, EXTRACT(EPOCH FROM local_start)::int, EXTRACT(EPOCH FROM local_end)::int
		FROM working_hours WHERE provider_id = $1`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wh := &WorkingHours{ProviderID: providerID, Days: make(map[time.Weekday]DayWindow)}
	for rows.Next() {
		var weekday, start, end int
		if err := rows.Scan(&weekday, &start, &end); err != nil {
			return nil, err
		}
		wh.Days[time.Weekday(weekday)] = DayWindow{Start: secondsToCivil(start), End: secondsToCivil(end)}
	}
	return wh, rows.Err()
}

func (s *PGStore) GetBlockedIntervals(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]BlockedInterval, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, provider_id, start_at, end_at, reason FROM blocked_interval
		WHERE provider_id = $1 AND start_at < $3 AND end_at > $2
		ORDER BY start_at`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockedInterval
	for rows.Next() {
		var b BlockedInterval
		if err := rows.Scan(&b.ID, &b.ProviderID, &b.StartAt, &b.EndAt, &b.Reason); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =========== Directory ===========

func (s *PGStore) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	var svc Service
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, name, duration_minutes, billing_code FROM service WHERE id = $1`, id).
		Scan(&svc.ID, &svc.Name, &svc.DurationMinutes, &svc.BillingCode)
	if err != nil {
		return nil, notFound(err, "service", id)
	}
	return &svc, nil
}

func (s *PGStore) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	var r Room
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, name, modality, active FROM room WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Modality, &r.Active)
	if err != nil {
		return nil, notFound(err, "room", id)
	}
	return &r, nil
}

func (s *PGStore) GetEligibleRooms(ctx context.Context, providerID uuid.UUID, modality Modality) ([]Room, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT r.id, r.name, r.modality, r.active FROM room r
		WHERE r.active AND r.modality = $2
		  AND (EXISTS (SELECT 1 FROM provider_room pr WHERE pr.provider_id = $1 AND pr.room_id = r.id)
		       OR NOT EXISTS (SELECT 1 FROM provider_room pr WHERE pr.provider_id = $1))
		ORDER BY r.name, r.id`, providerID, string(modality))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Modality, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =========== Reservations ===========

const resCols = `id, client_id, provider_id, room_id, service_id, start_at, duration_minutes,
	modality, status, rescheduled_from, overridden, cancellation_reason, created_at, updated_at`

const activeFilter = `status IN ('scheduled', 'confirmed', 'in_progress')`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	err := row.Scan(&r.ID, &r.ClientID, &r.ProviderID, &r.RoomID, &r.ServiceID, &r.StartAt,
		&r.DurationMinutes, &r.Modality, &r.Status, &r.RescheduledFrom, &r.Overridden,
		&r.CancellationReason, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PGStore) GetActiveReservations(ctx context.Context, res ResourceRef, from, to time.Time) ([]Reservation, error) {
	var column string
	switch res.Kind {
	case ResourceProvider:
		column = "provider_id"
	case ResourceRoom:
		column = "room_id"
	default:
		return nil, fmt.Errorf("unsupported resource kind %q", res.Kind)
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+resCols+` FROM reservation
		WHERE `+column+` = $1 AND `+activeFilter+`
		  AND start_at < $3 AND start_at + duration_minutes * INTERVAL '1 minute' > $2
		ORDER BY start_at`, res.ID, from, to)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (s *PGStore) Create(ctx context.Context, r *Reservation) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO reservation (id, client_id, provider_id, room_id, service_id, start_at,
			duration_minutes, modality, status, rescheduled_from, overridden, cancellation_reason,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.ClientID, r.ProviderID, r.RoomID, r.ServiceID, r.StartAt, r.DurationMinutes,
		string(r.Modality), string(r.Status), r.RescheduledFrom, r.Overridden, r.CancellationReason,
		r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *PGStore) GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, err := scanReservation(s.conn(ctx).QueryRow(ctx, `SELECT `+resCols+` FROM reservation WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "reservation", id)
	}
	return r, nil
}

func (s *PGStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, err := scanReservation(s.conn(ctx).QueryRow(ctx, `SELECT `+resCols+` FROM reservation WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "reservation", id)
	}
	return r, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason *string, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE reservation SET status = $2, cancellation_reason = COALESCE($3, cancellation_reason), updated_at = $4
		WHERE id = $1`, id, string(status), reason, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, f ReservationFilter, limit, offset int) ([]Reservation, int, error) {
	var where []string
	var args []interface{}
	idx := 1
	add := func(clause string, v interface{}) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, v)
		idx++
	}
	if f.ProviderID != nil {
		add("provider_id = $%d", *f.ProviderID)
	}
	if f.ClientID != nil {
		add("client_id = $%d", *f.ClientID)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.From != nil {
		add("start_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("start_at < $%d", *f.To)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reservation`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM reservation%s ORDER BY start_at, id LIMIT $%d OFFSET $%d`,
		resCols, cond, idx, idx+1)
	rows, err := s.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectReservations(rows)
	return items, total, err
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

func secondsToCivil(sec int) civil.Time {
	if sec >= 24*3600 {
		return civil.Time{Hour: 23, Minute: 59, Second: 59}
	}
	return civil.Time{Hour: sec / 3600, Minute: sec % 3600 / 60, Second: sec % 60}
}
