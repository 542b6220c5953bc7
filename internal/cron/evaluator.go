package cron

import (
	"fmt"
	"sync"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// Evaluator computes fire times for both scheduling types. Parsed cron
// expressions are cached by their source text.
type Evaluator struct {
	parser *Parser

	mu     sync.RWMutex
	parsed map[string]Schedule
}

func NewEvaluator(parser *Parser) *Evaluator {
	return &Evaluator{
		parser: parser,
		parsed: make(map[string]Schedule),
	}
}

// Validate checks that s.Value parses for s.Type.
func (e *Evaluator) Validate(s domain.Scheduling) error {
	switch s.Type {
	case domain.ScheduleTypeCron:
		_, err := e.cron(s.Value)
		return err
	case domain.ScheduleTypeWakeup:
		_, err := ParseWakeup(s.Value)
		return err
	default:
		return fmt.Errorf("%w: unknown scheduling type %q", domain.ErrInvalidSchedule, s.Type)
	}
}

// NextFireTime returns the earliest fire instant strictly after after for
// cron schedules, and the fixed target for wakeups.
func (e *Evaluator) NextFireTime(s domain.Scheduling, after time.Time) (time.Time, error) {
	switch s.Type {
	case domain.ScheduleTypeCron:
		sched, err := e.cron(s.Value)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(after)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: %q never fires", domain.ErrInvalidSchedule, s.Value)
		}
		return next, nil
	case domain.ScheduleTypeWakeup:
		return ParseWakeup(s.Value)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown scheduling type %q", domain.ErrInvalidSchedule, s.Type)
	}
}

func (e *Evaluator) cron(expr string) (Schedule, error) {
	e.mu.RLock()
	sched, ok := e.parsed[expr]
	e.mu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := e.parser.Parse(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.parsed[expr] = sched
	e.mu.Unlock()
	return sched, nil
}
