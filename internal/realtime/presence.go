package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fallback is the write registered for a doctor that disappears without
// signing off, typically marking the doctor offline.
type Fallback func(ctx context.Context, doctorID string) error

// Presence tracks connection leases held by doctor agents. A lease that is
// dropped or not renewed within the TTL fires the fallback, unless the doctor
// still holds another live lease.
type Presence struct {
	mu       sync.Mutex
	now      func() time.Time
	ttl      time.Duration
	fallback Fallback
	logger   *slog.Logger
	leases   map[string]lease
}

type lease struct {
	doctorID  string
	expiresAt time.Time
}

// NewPresence constructs a lease table.
func NewPresence(ttl time.Duration, fallback Fallback, now func() time.Time, logger *slog.Logger) *Presence {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		now:      now,
		ttl:      ttl,
		fallback: fallback,
		logger:   logger.With("component", "presence"),
		leases:   make(map[string]lease),
	}
}

// Register opens a lease for the doctor and returns its id.
func (p *Presence) Register(doctorID string) string {
	id := uuid.NewString()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leases[id] = lease{doctorID: doctorID, expiresAt: p.now().Add(p.ttl)}
	return id
}

// Renew extends the lease. It reports false for unknown or expired leases.
func (p *Presence) Renew(leaseID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leases[leaseID]
	if !ok {
		return false
	}
	now := p.now()
	if now.After(l.expiresAt) {
		return false
	}
	l.expiresAt = now.Add(p.ttl)
	p.leases[leaseID] = l
	return true
}

// Release closes the lease without firing the fallback. Agents call it after
// signing off explicitly.
func (p *Presence) Release(leaseID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leases, leaseID)
}

// Drop closes the lease because its connection went away and fires the
// fallback when it was the doctor's last lease.
func (p *Presence) Drop(ctx context.Context, leaseID string) {
	p.mu.Lock()
	l, ok := p.leases[leaseID]
	delete(p.leases, leaseID)
	orphaned := ok && !p.holdsLocked(l.doctorID)
	p.mu.Unlock()

	if orphaned {
		p.fire(ctx, l.doctorID, "dropped")
	}
}

// Sweep expires lapsed leases, fires fallbacks for doctors left without a
// live lease and returns how many fallbacks fired.
func (p *Presence) Sweep(ctx context.Context) int {
	now := p.now()

	p.mu.Lock()
	lapsed := make(map[string]struct{})
	for id, l := range p.leases {
		if now.After(l.expiresAt) {
			delete(p.leases, id)
			lapsed[l.doctorID] = struct{}{}
		}
	}
	orphans := make([]string, 0, len(lapsed))
	for doctorID := range lapsed {
		if !p.holdsLocked(doctorID) {
			orphans = append(orphans, doctorID)
		}
	}
	p.mu.Unlock()

	for _, doctorID := range orphans {
		p.fire(ctx, doctorID, "expired")
	}
	return len(orphans)
}

// Forget removes every lease of the doctor without firing the fallback.
func (p *Presence) Forget(doctorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, l := range p.leases {
		if l.doctorID == doctorID {
			delete(p.leases, id)
		}
	}
}

// Holder returns the doctor that owns the lease.
func (p *Presence) Holder(leaseID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leases[leaseID]
	return l.doctorID, ok
}

// Online reports whether the doctor holds a live lease.
func (p *Presence) Online(doctorID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, l := range p.leases {
		if l.doctorID == doctorID && !now.After(l.expiresAt) {
			return true
		}
	}
	return false
}

func (p *Presence) holdsLocked(doctorID string) bool {
	for _, l := range p.leases {
		if l.doctorID == doctorID {
			return true
		}
	}
	return false
}

func (p *Presence) fire(ctx context.Context, doctorID, reason string) {
	if p.fallback == nil {
		return
	}
	if err := p.fallback(ctx, doctorID); err != nil {
		p.logger.WarnContext(ctx, "presence fallback failed",
			"doctor_id", doctorID,
			"reason", reason,
			"error", err,
		)
		return
	}
	p.logger.InfoContext(ctx, "presence fallback applied", "doctor_id", doctorID, "reason", reason)
}
