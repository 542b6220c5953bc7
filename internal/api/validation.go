package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/djlord-it/easy-sched/internal/domain"
)

const maxIDLength = 256

// validateDefinition checks the shape of a job definition. Schedule values
// are checked separately by the evaluator.
func validateDefinition(def JobDefinition) error {
	id := def.Config.ID
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: config.id is required", domain.ErrInvalidRequest)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: config.id exceeds %d characters", domain.ErrInvalidRequest, maxIDLength)
	}

	if def.Config.URL == "" {
		return fmt.Errorf("%w: config.url is required", domain.ErrInvalidRequest)
	}
	if err := validateWebhookURL(def.Config.URL); err != nil {
		return fmt.Errorf("%w: invalid config.url: %v", domain.ErrInvalidRequest, err)
	}

	if def.Config.Timeout < 0 {
		return fmt.Errorf("%w: config.timeout must not be negative", domain.ErrInvalidRequest)
	}

	switch domain.ScheduleType(def.Scheduling.Type) {
	case domain.ScheduleTypeCron, domain.ScheduleTypeWakeup:
	case "":
		return fmt.Errorf("%w: scheduling.type is required", domain.ErrInvalidSchedule)
	default:
		return fmt.Errorf("%w: scheduling.type must be cron or wakeup, got %q", domain.ErrInvalidSchedule, def.Scheduling.Type)
	}
	if strings.TrimSpace(string(def.Scheduling.Value)) == "" {
		return fmt.Errorf("%w: scheduling.value is required", domain.ErrInvalidSchedule)
	}

	return nil
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
