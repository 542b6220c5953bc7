package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// Parser parses six-field cron expressions:
// seconds minutes hours day-of-month month day-of-week.
type Parser struct {
	parser cron.Parser
	loc    *time.Location
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		loc:    time.UTC,
	}
}

// WithLocation sets the zone cron fields are evaluated in.
func (p *Parser) WithLocation(loc *time.Location) *Parser {
	if loc != nil {
		p.loc = loc
	}
	return p
}

// Parse returns the schedule for expression. A trailing Quartz-style year
// field is accepted when it is "*" or "?".
func (p *Parser) Parse(expression string) (Schedule, error) {
	expr, err := normalize(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
	}
	sched, err := p.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: parse cron: %v", domain.ErrInvalidSchedule, err)
	}
	return &schedule{sched: sched, loc: p.loc}, nil
}

func normalize(expression string) (string, error) {
	fields := strings.Fields(expression)
	switch len(fields) {
	case 6:
	case 7:
		if year := fields[6]; year != "*" && year != "?" {
			return "", fmt.Errorf("year field %q not supported", year)
		}
		fields = fields[:6]
	default:
		return "", fmt.Errorf("expected 6 fields, found %d: %q", len(fields), expression)
	}
	return strings.Join(fields, " "), nil
}

type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc)).UTC()
}
