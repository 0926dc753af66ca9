package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Resource locks are per-key semaphores
// acquired in sorted order and honour the context deadline; writes are undone
// if the unit of work fails.
type MemoryStore struct {
	mu            sync.RWMutex
	hours         map[uuid.UUID]WorkingHours
	blocks        map[uuid.UUID][]BlockedInterval
	services      map[uuid.UUID]Service
	rooms         map[uuid.UUID]Room
	providerRooms map[uuid.UUID][]uuid.UUID
	reservations  map[uuid.UUID]Reservation

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hours:         make(map[uuid.UUID]WorkingHours),
		blocks:        make(map[uuid.UUID][]BlockedInterval),
		services:      make(map[uuid.UUID]Service),
		rooms:         make(map[uuid.UUID]Room),
		providerRooms: make(map[uuid.UUID][]uuid.UUID),
		reservations:  make(map[uuid.UUID]Reservation),
		locks:         make(map[string]chan struct{}),
	}
}

// =========== Seeding ===========

func (s *MemoryStore) SetWorkingHours(wh WorkingHours) {
	s.mu.Lock()
	defer s.mu.Unlock()
	days := make(map[time.Weekday]DayWindow, len(wh.Days))
	for k, v := range wh.Days {
		days[k] = v
	}
	wh.Days = days
	s.hours[wh.ProviderID] = wh
}

func (s *MemoryStore) AddBlockedInterval(b BlockedInterval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	s.blocks[b.ProviderID] = append(s.blocks[b.ProviderID], b)
}

func (s *MemoryStore) AddService(svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = svc
}

func (s *MemoryStore) AddRoom(r Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r
}

// AssignRoom restricts a provider to the rooms assigned to them. A provider
// without assignments may use every active room.
func (s *MemoryStore) AssignRoom(providerID, roomID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerRooms[providerID] = append(s.providerRooms[providerID], roomID)
}

// PutReservation stores a reservation as-is, bypassing the booking checks.
func (s *MemoryStore) PutReservation(r Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = r
}

// Seed is the JSON document accepted by LoadSeed.
type Seed struct {
	Services         []Service         `json:"services"`
	Rooms            []Room            `json:"rooms"`
	WorkingHours     []WorkingHours    `json:"working_hours"`
	BlockedIntervals []BlockedInterval `json:"blocked_intervals"`
	ProviderRooms    []struct {
		ProviderID uuid.UUID `json:"provider_id"`
		RoomID     uuid.UUID `json:"room_id"`
	} `json:"provider_rooms"`
}

// LoadSeed reads reference data for a memory-backed server.
func (s *MemoryStore) LoadSeed(r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, svc := range seed.Services {
		s.AddService(svc)
	}
	for _, room := range seed.Rooms {
		s.AddRoom(room)
	}
	for _, wh := range seed.WorkingHours {
		s.SetWorkingHours(wh)
	}
	for _, b := range seed.BlockedIntervals {
		s.AddBlockedInterval(b)
	}
	for _, pr := range seed.ProviderRooms {
		s.AssignRoom(pr.ProviderID, pr.RoomID)
	}
	return nil
}

// =========== Unit of work ===========

type memTxKey struct{}

type memTx struct {
	held map[string]chan struct{}
	undo []func()
}

func memTxFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if memTxFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := &memTx{held: make(map[string]chan struct{})}
	defer s.release(tx)

	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) LockResources(ctx context.Context, keys []string) error {
	tx := memTxFrom(ctx)
	if tx == nil {
		return fmt.Errorf("lock resources requires a unit of work")
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, k := range sorted {
		if err := s.lock(ctx, tx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) lock(ctx context.Context, tx *memTx, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	s.locksMu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		tx.held[key] = ch
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (s *MemoryStore) release(tx *memTx) {
	for _, ch := range tx.held {
		<-ch
	}
}

// =========== Calendar ===========

func (s *MemoryStore) GetWorkingHours(ctx context.Context, providerID uuid.UUID) (*WorkingHours, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wh, ok := s.hours[providerID]
	if !ok {
		return &WorkingHours{ProviderID: providerID, Days: map[time.Weekday]DayWindow{}}, nil
	}
	days := make(map[time.Weekday]DayWindow, len(wh.Days))
	for k, v := range wh.Days {
		days[k] = v
	}
	return &WorkingHours{ProviderID: providerID, Days: days}, nil
}

func (s *MemoryStore) GetBlockedIntervals(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]BlockedInterval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BlockedInterval
	for _, b := range s.blocks[providerID] {
		if Overlaps(b.StartAt, b.EndAt, from, to) {
			out = append(out, b)
		}
	}
	return out, nil
}

// =========== Directory ===========

func (s *MemoryStore) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, ErrNotFound)
	}
	return &svc, nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) GetEligibleRooms(ctx context.Context, providerID uuid.UUID, modality Modality) ([]Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []Room
	if assigned, ok := s.providerRooms[providerID]; ok {
		for _, id := range assigned {
			if r, ok := s.rooms[id]; ok {
				candidates = append(candidates, r)
			}
		}
	} else {
		for _, r := range s.rooms {
			candidates = append(candidates, r)
		}
	}

	var out []Room
	for _, r := range candidates {
		if r.Serves(modality) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// =========== Reservations ===========

func (s *MemoryStore) GetActiveReservations(ctx context.Context, res ResourceRef, from, to time.Time) ([]Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.Status.Active() && r.Holds(res) && Overlaps(r.StartAt, r.EndAt(), from, to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, r *Reservation) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reservations[r.ID]; exists {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	s.reservations[r.ID] = *r
	if tx := memTxFrom(ctx); tx != nil {
		id := r.ID
		tx.undo = append(tx.undo, func() { delete(s.reservations, id) })
	}
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	tx := memTxFrom(ctx)
	if tx == nil {
		return nil, fmt.Errorf("select for update requires a unit of work")
	}
	if err := s.lock(ctx, tx, "reservation:"+id.String()); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.reservations[id]
	if !ok {
		return fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	next := prev
	next.Status = status
	if reason != nil {
		next.CancellationReason = reason
	}
	next.UpdatedAt = at.UTC()
	s.reservations[id] = next
	if tx := memTxFrom(ctx); tx != nil {
		tx.undo = append(tx.undo, func() { s.reservations[id] = prev })
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f ReservationFilter, limit, offset int) ([]Reservation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []Reservation
	for _, r := range s.reservations {
		if f.ProviderID != nil && r.ProviderID != *f.ProviderID {
			continue
		}
		if f.ClientID != nil && r.ClientID != *f.ClientID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.From != nil && r.StartAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !r.StartAt.Before(*f.To) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartAt.Equal(matched[j].StartAt) {
			return matched[i].StartAt.Before(matched[j].StartAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	if offset >= total {
		return []Reservation{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

// Ping satisfies db.Pinger for the health endpoint.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
