package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// ParseWakeup parses a wakeup target: epoch milliseconds or RFC 3339.
func ParseWakeup(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: wakeup time required", domain.ErrInvalidSchedule)
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("%w: wakeup time must be positive", domain.ErrInvalidSchedule)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: wakeup time %q is neither epoch millis nor RFC 3339", domain.ErrInvalidSchedule, value)
	}
	return t.UTC(), nil
}
