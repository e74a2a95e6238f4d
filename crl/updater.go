package crl

import (
	"context"
	"log/slog"
	"os"
	"time"
)

const (
	defaultStartupDelay = 30 * time.Second
	defaultInterval     = 24 * time.Hour
)

// TenantSource enumerates the tenants whose CRLs the updater maintains.
// keystore.Provider implementations satisfy it.
type TenantSource interface {
	Tenants() ([]int, error)
}

// Updater periodically regenerates the full CRL for every known tenant.
// Event-driven delta regeneration happens at revocation time; the sweep
// keeps full CRLs fresh even for tenants with no recent revocations.
type Updater struct {
	builder *Builder
	tenants TenantSource

	startupDelay time.Duration
	interval     time.Duration
	logger       *slog.Logger
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

// WithSchedule overrides the delay before the first sweep and the
// interval between sweeps.
func WithSchedule(startupDelay, interval time.Duration) UpdaterOption {
	return func(u *Updater) {
		u.startupDelay = startupDelay
		u.interval = interval
	}
}

// WithLogger sets the logger used by the updater.
func WithLogger(logger *slog.Logger) UpdaterOption {
	return func(u *Updater) {
		u.logger = logger
	}
}

// NewUpdater creates an Updater that sweeps 30 seconds after Run is
// called and every 24 hours thereafter unless configured otherwise.
func NewUpdater(builder *Builder, tenants TenantSource, opts ...UpdaterOption) *Updater {
	u := &Updater{
		builder:      builder,
		tenants:      tenants,
		startupDelay: defaultStartupDelay,
		interval:     defaultInterval,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return u
}

// Run blocks until ctx is cancelled, sweeping on the configured schedule.
// A tenant whose regeneration fails is logged and skipped so one broken
// tenant never blocks the rest of the sweep.
func (u *Updater) Run(ctx context.Context) error {
	timer := time.NewTimer(u.startupDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	u.Sweep(ctx)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			u.Sweep(ctx)
		}
	}
}

// Sweep regenerates the full CRL for every tenant once.
func (u *Updater) Sweep(ctx context.Context) {
	tenants, err := u.tenants.Tenants()
	if err != nil {
		u.logger.Error("crl sweep: listing tenants", "error", err)
		return
	}
	u.logger.Info("crl sweep started", "tenants", len(tenants))
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := u.builder.RegenerateFull(tenantID); err != nil {
			u.logger.Error("crl sweep: regenerating full crl",
				"tenant_id", tenantID, "error", err)
			continue
		}
		u.logger.Info("crl regenerated", "tenant_id", tenantID)
	}
}
