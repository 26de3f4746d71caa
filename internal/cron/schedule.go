package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the five-field POSIX form plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks a (kind, value) pair without building a job.
func ValidateSchedule(kind Kind, value string) error {
	switch kind {
	case KindCron:
		if _, err := cronParser.Parse(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
	case KindInterval:
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds <= 0 {
			return fmt.Errorf("invalid interval %q: want positive integer seconds", value)
		}
	case KindWebhook:
		// Value is an opaque tag; anything goes.
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
	return nil
}

// nextRun computes the next fire time after now. Webhook jobs never fire on
// the timer, reported by ok=false with no error.
func nextRun(kind Kind, value string, now time.Time) (time.Time, bool, error) {
	switch kind {
	case KindCron:
		schedule, err := cronParser.Parse(strings.TrimSpace(value))
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := schedule.Next(now)
		return next, !next.IsZero(), nil
	case KindInterval:
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds <= 0 {
			return time.Time{}, false, fmt.Errorf("invalid interval %q", value)
		}
		return now.Add(time.Duration(seconds) * time.Second), true, nil
	case KindWebhook:
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", kind)
	}
}
