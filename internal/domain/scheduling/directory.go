package scheduling

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DirectoryConfig tunes the read-through cache in front of the directory.
type DirectoryConfig struct {
	CacheSize              int
	CacheTTL               time.Duration
	DefaultDurationMinutes int
}

// Directory resolves services and rooms. Lookups are cached for CacheTTL; the
// data changes rarely and the booking re-check never depends on it for
// correctness of the overlap invariant.
type Directory struct {
	repo            DirectoryRepository
	services        *expirable.LRU[uuid.UUID, Service]
	rooms           *expirable.LRU[uuid.UUID, Room]
	eligible        *expirable.LRU[string, []Room]
	defaultDuration int
}

// NewDirectory wraps repo with caches sized by cfg.
func NewDirectory(repo DirectoryRepository, cfg DirectoryConfig) *Directory {
	if cfg.DefaultDurationMinutes <= 0 {
		cfg.DefaultDurationMinutes = 50
	}
	return &Directory{
		repo:            repo,
		services:        expirable.NewLRU[uuid.UUID, Service](cfg.CacheSize, nil, cfg.CacheTTL),
		rooms:           expirable.NewLRU[uuid.UUID, Room](cfg.CacheSize, nil, cfg.CacheTTL),
		eligible:        expirable.NewLRU[string, []Room](cfg.CacheSize, nil, cfg.CacheTTL),
		defaultDuration: cfg.DefaultDurationMinutes,
	}
}

// DefaultDuration is used when a service is unknown.
func (d *Directory) DefaultDuration() int { return d.defaultDuration }

// Service returns the service or an ErrNotFound error.
func (d *Directory) Service(ctx context.Context, id uuid.UUID) (*Service, error) {
	if s, ok := d.services.Get(id); ok {
		return &s, nil
	}
	s, err := d.repo.GetService(ctx, id)
	if err != nil {
		return nil, infra("get service", err)
	}
	d.services.Add(id, *s)
	return s, nil
}

// ServiceDuration returns the service length in minutes, falling back to the
// configured default when the service is unknown.
func (d *Directory) ServiceDuration(ctx context.Context, id uuid.UUID) (int, error) {
	if id == uuid.Nil {
		return d.defaultDuration, nil
	}
	s, err := d.Service(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return d.defaultDuration, nil
	}
	if err != nil {
		return 0, err
	}
	if s.DurationMinutes <= 0 {
		return d.defaultDuration, nil
	}
	return s.DurationMinutes, nil
}

// Room returns the room or an ErrNotFound error.
func (d *Directory) Room(ctx context.Context, id uuid.UUID) (*Room, error) {
	if r, ok := d.rooms.Get(id); ok {
		return &r, nil
	}
	r, err := d.repo.GetRoom(ctx, id)
	if err != nil {
		return nil, infra("get room", err)
	}
	d.rooms.Add(id, *r)
	return r, nil
}

// EligibleRooms returns the rooms that can host the provider's session of the
// given modality, in a stable order. Phone sessions have no room dimension.
func (d *Directory) EligibleRooms(ctx context.Context, providerID uuid.UUID, m Modality) ([]Room, error) {
	if !m.NeedsRoom() {
		return nil, nil
	}
	key := providerID.String() + "/" + string(m)
	if rooms, ok := d.eligible.Get(key); ok {
		return rooms, nil
	}
	all, err := d.repo.GetEligibleRooms(ctx, providerID, m)
	if err != nil {
		return nil, infra("get eligible rooms", err)
	}
	rooms := make([]Room, 0, len(all))
	for _, r := range all {
		if r.Serves(m) {
			rooms = append(rooms, r)
		}
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].Name != rooms[j].Name {
			return rooms[i].Name < rooms[j].Name
		}
		return rooms[i].ID.String() < rooms[j].ID.String()
	})
	d.eligible.Add(key, rooms)
	return rooms, nil
}

// Purge drops every cached entry.
func (d *Directory) Purge() {
	d.services.Purge()
	d.rooms.Purge()
	d.eligible.Purge()
}
