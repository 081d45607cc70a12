package health

import (
	"context"
	"errors"
	"testing"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusUnhealthy, "unhealthy"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("Status.String() = %v, want %v", got, tt.want)
			}
			text, _ := tt.status.MarshalText()
			if string(text) != tt.want {
				t.Errorf("MarshalText() = %s, want %v", text, tt.want)
			}
		})
	}
}

func TestStatus_Worst(t *testing.T) {
	if got := StatusHealthy.Worst(StatusDegraded); got != StatusDegraded {
		t.Errorf("Worst = %v, want degraded", got)
	}
	if got := StatusUnhealthy.Worst(StatusDegraded); got != StatusUnhealthy {
		t.Errorf("Worst = %v, want unhealthy", got)
	}
}

func TestResultConstructors(t *testing.T) {
	testErr := errors.New("test error")

	tests := []struct {
		name   string
		result Result
		status Status
		err    error
	}{
		{"healthy", Healthy("m"), StatusHealthy, nil},
		{"degraded", Degraded("m"), StatusDegraded, nil},
		{"unhealthy", Unhealthy("m", testErr), StatusUnhealthy, testErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.result.Status != tt.status {
				t.Errorf("Status = %v, want %v", tt.result.Status, tt.status)
			}
			if tt.result.Message != "m" {
				t.Errorf("Message = %v, want m", tt.result.Message)
			}
			if !errors.Is(tt.result.Error, tt.err) {
				t.Errorf("Error = %v, want %v", tt.result.Error, tt.err)
			}
		})
	}
}

func TestResult_WithDetails(t *testing.T) {
	r := Healthy("ok").WithDetails(map[string]any{"k": 1})
	if r.Details["k"] != 1 {
		t.Errorf("Details[k] = %v, want 1", r.Details["k"])
	}
}

func TestPing(t *testing.T) {
	ok := Ping("redis", func(context.Context) error { return nil })
	if ok.Name() != "redis" {
		t.Errorf("Name() = %v, want redis", ok.Name())
	}
	if got := ok.Check(context.Background()).Status; got != StatusHealthy {
		t.Errorf("Status = %v, want healthy", got)
	}

	down := errors.New("connection refused")
	bad := Ping("redis", func(context.Context) error { return down })
	res := bad.Check(context.Background())
	if res.Status != StatusUnhealthy || !errors.Is(res.Error, down) {
		t.Errorf("Check() = %+v, want unhealthy with %v", res, down)
	}
}
