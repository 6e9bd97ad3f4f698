// Package catalog caches the city's service and office lists.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/example/termin-watch/internal/munich"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type API interface {
	Services(ctx context.Context) ([]munich.Service, error)
	OfficesAndServices(ctx context.Context) (munich.OfficesAndServices, error)
}

type Catalog struct {
	api           API
	priority      []int
	defaultOffice int
	log           zerolog.Logger

	mu       sync.RWMutex
	loaded   bool
	services []munich.Service
	offices  map[int]munich.Office
	byServ   map[int][]int
}

// New returns an empty catalog. priority lists office ids to offer first;
// defaultOffice is used when the relation data names none.
func New(api API, priority []int, defaultOffice int, log zerolog.Logger) *Catalog {
	return &Catalog{api: api, priority: priority, defaultOffice: defaultOffice, log: log}
}

// Refresh reloads both lists. On failure the previous data is kept.
func (c *Catalog) Refresh(ctx context.Context) error {
	services, err := c.api.Services(ctx)
	if err != nil {
		return fmt.Errorf("catalog: services: %w", err)
	}
	oas, err := c.api.OfficesAndServices(ctx)
	if err != nil {
		return fmt.Errorf("catalog: offices: %w", err)
	}

	offices := make(map[int]munich.Office, len(oas.Offices))
	for _, o := range oas.Offices {
		offices[o.ID] = o
	}
	byServ := make(map[int][]int)
	for _, r := range oas.Relations {
		if r.IsPublic() {
			byServ[r.ServiceID] = append(byServ[r.ServiceID], r.OfficeID)
		}
	}
	if len(services) == 0 {
		services = oas.Services
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	c.mu.Lock()
	c.services, c.offices, c.byServ, c.loaded = services, offices, byServ, true
	c.mu.Unlock()

	c.log.Info().Int("services", len(services)).Int("offices", len(offices)).Msg("catalog refreshed")
	return nil
}

func (c *Catalog) ensure(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Refresh(ctx)
}

// Services returns all services sorted by name.
func (c *Catalog) Services(ctx context.Context) ([]munich.Service, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]munich.Service(nil), c.services...), nil
}

// Search returns services whose name contains q, case-insensitively.
func (c *Catalog) Search(ctx context.Context, q string) ([]munich.Service, error) {
	all, err := c.Services(ctx)
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(strings.TrimSpace(q))
	var out []munich.Service
	for _, s := range all {
		if strings.Contains(strings.ToLower(s.Name), q) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Service looks up one service by id.
func (c *Catalog) Service(ctx context.Context, id int) (munich.Service, bool) {
	if err := c.ensure(ctx); err != nil {
		return munich.Service{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.services {
		if s.ID == id {
			return s, true
		}
	}
	return munich.Service{}, false
}

// ServiceName never fails; unknown or not yet loaded services get a
// placeholder name.
func (c *Catalog) ServiceName(id int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.services {
		if s.ID == id {
			return s.Name
		}
	}
	return fmt.Sprintf("Service %d", id)
}

// OfficesFor lists the offices publicly offering serviceID, priority
// offices first.
func (c *Catalog) OfficesFor(ctx context.Context, serviceID int) ([]munich.Office, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	rank := make(map[int]int, len(c.priority))
	for i, id := range c.priority {
		rank[id] = i
	}
	ids := append([]int(nil), c.byServ[serviceID]...)
	sort.SliceStable(ids, func(i, j int) bool {
		ri, iok := rank[ids[i]]
		rj, jok := rank[ids[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return false
	})

	out := make([]munich.Office, 0, len(ids))
	for _, id := range ids {
		o, ok := c.offices[id]
		if !ok {
			o = munich.Office{ID: id, Name: fmt.Sprintf("Office %d", id)}
		}
		out = append(out, o)
	}
	return out, nil
}

// DefaultOffice picks the office a subscription without an explicit office
// is attached to.
func (c *Catalog) DefaultOffice(ctx context.Context, serviceID int) int {
	offices, err := c.OfficesFor(ctx, serviceID)
	if err != nil || len(offices) == 0 {
		return c.defaultOffice
	}
	return offices[0].ID
}

// Schedule refreshes the catalog on the given cron spec until the
// returned scheduler is stopped.
func (c *Catalog) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	cr := cron.New()
	if _, err := cr.AddFunc(spec, func() {
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("scheduled catalog refresh failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("catalog: schedule %q: %w", spec, err)
	}
	cr.Start()
	return cr, nil
}
