package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/location"
	"github.com/teslashibe/safewalk/pkg/registry"
)

// presence reports the participant's position to the registry so the other
// side's matching works from fresh coordinates.
type presence struct {
	registry registry.Registry
	source   location.Source
	userID   string
	profile  registry.Profile
	interval time.Duration
	logger   *slog.Logger

	last    geo.TrackedLocation
	hasLast bool
}

func (p *presence) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *presence) publish(ctx context.Context) {
	loc, err := p.source.Current(ctx)
	if err != nil {
		p.logger.Debug("no position to publish", "error", err)
		return
	}
	if p.hasLast && !loc.ObservedAt.After(p.last.ObservedAt) {
		return
	}
	if err := p.registry.UpdateLocation(ctx, p.userID, p.profile, loc.Coordinate); err != nil {
		p.logger.Warn("registry location update failed", "error", err)
		return
	}
	p.last, p.hasLast = loc, true
}
