package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/telemetry"
)

const (
	DefaultResetAt       = "18:00"
	DefaultResetTimezone = "America/Sao_Paulo"

	resetRetryDelay = time.Minute
)

// DailyResetter frees every busy account at most once per day.
type DailyResetter interface {
	DailyReset(ctx context.Context, day string) (ledger.ResetResult, error)
}

// ParseClock parses a 24h "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, 0, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time of day %q: bad hour", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q: bad minute", s)
	}
	return hour, minute, nil
}

// DailyResetJob fires the bulk reset at a fixed local time each day. On
// start it also fires when today's threshold has already passed; the
// per-day claim in the store makes repeated or concurrent firing harmless.
type DailyResetJob struct {
	log      *slog.Logger
	resetter DailyResetter
	loc      *time.Location
	hour     int
	minute   int

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
	retry time.Duration
}

// NewDailyResetJob validates at ("HH:MM") and builds the job. loc nil means UTC.
func NewDailyResetJob(log *slog.Logger, resetter DailyResetter, at string, loc *time.Location) (*DailyResetJob, error) {
	if resetter == nil {
		return nil, errors.New("reconcile: nil resetter")
	}
	hour, minute, err := ParseClock(at)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &DailyResetJob{
		log:      log,
		resetter: resetter,
		loc:      loc,
		hour:     hour,
		minute:   minute,
		now:      time.Now,
		after:    time.After,
		retry:    resetRetryDelay,
	}, nil
}

// Start blocks until ctx is done.
func (j *DailyResetJob) Start(ctx context.Context) {
	j.log.Info("reset.job.start",
		"at", fmt.Sprintf("%02d:%02d", j.hour, j.minute),
		"timezone", j.loc.String(),
	)
	for {
		now := j.now().In(j.loc)
		var err error
		if !now.Before(j.threshold(now)) {
			err = j.fire(ctx, now.Format(time.DateOnly))
		}

		wait := j.next(now).Sub(now)
		if err != nil && wait > j.retry {
			wait = j.retry
		}
		select {
		case <-ctx.Done():
			j.log.Info("reset.job.stop")
			return
		case <-j.after(wait):
		}
	}
}

func (j *DailyResetJob) fire(ctx context.Context, day string) error {
	res, err := j.resetter.DailyReset(ctx, day)
	if err != nil {
		if ctx.Err() == nil {
			j.log.Error("reset.run.fail", "trigger", "daily", "day", day, "err", err)
		}
		return err
	}
	if res.Skipped {
		j.log.Debug("reset.run.skip", "day", day)
		return nil
	}
	telemetry.ResetsTotal.WithLabelValues("daily").Inc()
	telemetry.ResetAccountsTotal.Add(float64(res.Count))
	return nil
}

// threshold is the reset instant on now's calendar day.
func (j *DailyResetJob) threshold(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, j.hour, j.minute, 0, 0, j.loc)
}

// next is the first threshold strictly after now.
func (j *DailyResetJob) next(now time.Time) time.Time {
	t := j.threshold(now)
	if now.Before(t) {
		return t
	}
	y, m, d := now.Date()
	return time.Date(y, m, d+1, j.hour, j.minute, 0, 0, j.loc)
}

// Checker runs a reconciliation.
type Checker interface {
	Check(ctx context.Context) (Report, error)
}

// Poller runs Check on a fixed interval.
type Poller struct {
	log      *slog.Logger
	checker  Checker
	interval time.Duration
}

// NewPoller returns a Poller. interval <= 0 disables it.
func NewPoller(log *slog.Logger, checker Checker, interval time.Duration) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{log: log, checker: checker, interval: interval}
}

// Start blocks until ctx is done. It returns at once when disabled or when
// the provider is not configured on the first run.
func (p *Poller) Start(ctx context.Context) {
	if p.interval <= 0 || p.checker == nil {
		p.log.Info("reconcile.poller.disabled")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("reconcile.poller.start", "interval", p.interval.String())

	if _, err := p.checker.Check(ctx); errors.Is(err, ErrNotConfigured) {
		p.log.Warn("reconcile.poller.disabled", "reason", "credentials not configured")
		return
	}

	for {
		select {
		case <-ctx.Done():
			p.log.Info("reconcile.poller.stop")
			return
		case <-ticker.C:
			// Check logs its own failures.
			_, _ = p.checker.Check(ctx)
		}
	}
}
