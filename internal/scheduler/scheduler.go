package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// FireFunc is invoked at every scheduled fire time.
type FireFunc func(ctx context.Context, at time.Time) error

// Options tune the daily schedule.
type Options struct {
	// TimeOfDay is the fire time in "HH:MM" form.
	TimeOfDay string
	// Location anchors TimeOfDay; nil means UTC.
	Location *time.Location
}

// Daily fires once per day at a fixed local time. Fires missed while
// the process was down are not back-filled; the next fire is simply
// the following day's time.
type Daily struct {
	hour   int
	minute int
	loc    *time.Location
	logger zerolog.Logger
}

// NewDaily parses the schedule and constructs a Daily timer.
func NewDaily(opts Options, logger zerolog.Logger) (*Daily, error) {
	parsed, err := time.Parse("15:04", opts.TimeOfDay)
	if err != nil {
		return nil, fmt.Errorf("parse time of day %q: %w", opts.TimeOfDay, err)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Daily{
		hour:   parsed.Hour(),
		minute: parsed.Minute(),
		loc:    loc,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Run blocks, invoking fire at each scheduled time until ctx is
// cancelled. A failing fire is logged and the schedule continues.
func (d *Daily) Run(ctx context.Context, fire FireFunc) error {
	for {
		next := d.NextFire(time.Now().In(d.loc))
		d.logger.Debug().Time("next_fire", next).Msg("waiting for next digest fire")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		d.logger.Info().Time("fire", next).Msg("executing scheduled fire")
		if err := fire(ctx, next); err != nil {
			d.logger.Error().Err(err).Time("fire", next).Msg("scheduled fire failed")
		}
	}
}

// NextFire returns the first scheduled time strictly after now.
func (d *Daily) NextFire(now time.Time) time.Time {
	now = now.In(d.loc)
	candidate := time.Date(now.Year(), now.Month(), now.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
