package api

import (
	"errors"
	"strings"
	"testing"

	"github.com/djlord-it/easy-sched/internal/domain"
)

func validDefinition() JobDefinition {
	return JobDefinition{
		Config: ConfigPayload{ID: "j1", URL: "https://example.com/webhook", Timeout: 60000},
		Scheduling: SchedulingPayload{
			Type:  "cron",
			Value: "*/5 * * * * *",
		},
	}
}

func TestValidateDefinition_Valid(t *testing.T) {
	if err := validateDefinition(validDefinition()); err != nil {
		t.Errorf("valid definition should not return error, got: %v", err)
	}

	wakeup := validDefinition()
	wakeup.Scheduling = SchedulingPayload{Type: "wakeup", Value: "1767225600000"}
	wakeup.Config.Timeout = 0
	if err := validateDefinition(wakeup); err != nil {
		t.Errorf("wakeup with default timeout should be valid, got: %v", err)
	}
}

func TestValidateDefinition_Errors(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(d *JobDefinition)
		wantErr error
		msg     string
	}{
		{
			name:    "missing id",
			modify:  func(d *JobDefinition) { d.Config.ID = "" },
			wantErr: domain.ErrInvalidRequest,
			msg:     "config.id is required",
		},
		{
			name:    "blank id",
			modify:  func(d *JobDefinition) { d.Config.ID = "   " },
			wantErr: domain.ErrInvalidRequest,
			msg:     "config.id is required",
		},
		{
			name:    "id too long",
			modify:  func(d *JobDefinition) { d.Config.ID = strings.Repeat("x", maxIDLength+1) },
			wantErr: domain.ErrInvalidRequest,
			msg:     "exceeds",
		},
		{
			name:    "missing url",
			modify:  func(d *JobDefinition) { d.Config.URL = "" },
			wantErr: domain.ErrInvalidRequest,
			msg:     "config.url is required",
		},
		{
			name:    "ftp url",
			modify:  func(d *JobDefinition) { d.Config.URL = "ftp://example.com/x" },
			wantErr: domain.ErrInvalidRequest,
			msg:     "scheme must be http or https",
		},
		{
			name:    "url without host",
			modify:  func(d *JobDefinition) { d.Config.URL = "http:///path" },
			wantErr: domain.ErrInvalidRequest,
			msg:     "host is required",
		},
		{
			name:    "negative timeout",
			modify:  func(d *JobDefinition) { d.Config.Timeout = -1 },
			wantErr: domain.ErrInvalidRequest,
			msg:     "timeout",
		},
		{
			name:    "missing type",
			modify:  func(d *JobDefinition) { d.Scheduling.Type = "" },
			wantErr: domain.ErrInvalidSchedule,
			msg:     "scheduling.type is required",
		},
		{
			name:    "unknown type",
			modify:  func(d *JobDefinition) { d.Scheduling.Type = "interval" },
			wantErr: domain.ErrInvalidSchedule,
			msg:     "cron or wakeup",
		},
		{
			name:    "missing value",
			modify:  func(d *JobDefinition) { d.Scheduling.Value = " " },
			wantErr: domain.ErrInvalidSchedule,
			msg:     "scheduling.value is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.modify(&def)

			err := validateDefinition(def)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("error %q should contain %q", err.Error(), tt.msg)
			}
		})
	}
}

func TestValidateWebhookURL(t *testing.T) {
	valid := []string{"http://localhost:8080/hook", "https://example.com", "https://10.0.0.1/x?y=z"}
	for _, u := range valid {
		if err := validateWebhookURL(u); err != nil {
			t.Errorf("validateWebhookURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{"example.com/hook", "mailto:ops@example.com", "://bad"}
	for _, u := range invalid {
		if err := validateWebhookURL(u); err == nil {
			t.Errorf("validateWebhookURL(%q) = nil, want error", u)
		}
	}
}
