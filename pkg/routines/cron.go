package routines

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// cadenceProbeWindow is how many successive fires are generated to measure a
// cron expression's tightest cadence.
const cadenceProbeWindow = 8

// ValidateCron checks the expression, the IANA timezone, and that the
// schedule never fires tighter than minRecurrence. Cadence is measured as
// the minimum delta over the first successive fires, which catches
// expressions like "*/2 * * * *" that look sparse at a glance.
func ValidateCron(expr, timezone string, minRecurrence time.Duration) error {
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return err
	}

	prev := time.Now().In(loc)
	minDelta := time.Duration(0)
	for i := 0; i < cadenceProbeWindow; i++ {
		next, err := gronx.NextTickAfter(expr, prev, false)
		if err != nil {
			return fmt.Errorf("compute cron fire %d: %w", i+1, err)
		}
		if i > 0 {
			delta := next.Sub(prev)
			if minDelta == 0 || delta < minDelta {
				minDelta = delta
			}
		}
		prev = next
	}
	if minDelta > 0 && minDelta < minRecurrence {
		return fmt.Errorf("cron schedule must not run more than once every %d minutes (tightest gap %s)",
			int(minRecurrence.Minutes()), minDelta)
	}
	return nil
}

// NextCronRun returns the first fire strictly after the given instant,
// evaluated in the routine's timezone.
func NextCronRun(expr, timezone string, after time.Time) (time.Time, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(expr, after.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next cron run: %w", err)
	}
	return next, nil
}

func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	return loc, nil
}
