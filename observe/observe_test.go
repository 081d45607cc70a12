package observe

import (
	"context"
	"errors"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name: "valid",
			cfg: Config{
				ServiceName: "listing-dashboard",
				Tracing:     TracingConfig{Enabled: true, Exporter: "stdout", SamplePct: 1.0},
				Metrics:     MetricsConfig{Enabled: true, Exporter: "stdout"},
				Logging:     LoggingConfig{Enabled: true, Level: "info", Format: "json"},
			},
		},
		{
			name:    "missing service name",
			cfg:     Config{},
			wantErr: ErrMissingServiceName,
		},
		{
			name: "unknown tracing exporter",
			cfg: Config{
				ServiceName: "svc",
				Tracing:     TracingConfig{Enabled: true, Exporter: "zipkin"},
			},
			wantErr: ErrInvalidTracingExporter,
		},
		{
			name: "sample pct out of range",
			cfg: Config{
				ServiceName: "svc",
				Tracing:     TracingConfig{Enabled: true, Exporter: "stdout", SamplePct: 1.5},
			},
			wantErr: ErrInvalidSamplePct,
		},
		{
			name: "unknown metrics exporter",
			cfg: Config{
				ServiceName: "svc",
				Metrics:     MetricsConfig{Enabled: true, Exporter: "statsd"},
			},
			wantErr: ErrInvalidMetricsExporter,
		},
		{
			name: "unknown log level",
			cfg: Config{
				ServiceName: "svc",
				Logging:     LoggingConfig{Enabled: true, Level: "verbose"},
			},
			wantErr: ErrInvalidLogLevel,
		},
		{
			name: "unknown log format",
			cfg: Config{
				ServiceName: "svc",
				Logging:     LoggingConfig{Enabled: true, Level: "info", Format: "xml"},
			},
			wantErr: ErrInvalidLogFormat,
		},
		{
			name: "disabled sections are not validated",
			cfg: Config{
				ServiceName: "svc",
				Tracing:     TracingConfig{Exporter: "zipkin"},
				Metrics:     MetricsConfig{Exporter: "statsd"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewObserver_Disabled(t *testing.T) {
	obs, err := NewObserver(context.Background(), Config{ServiceName: "svc"})
	if err != nil {
		t.Fatalf("NewObserver() error = %v", err)
	}

	if obs.Tracer() == nil || obs.Meter() == nil || obs.Metrics() == nil || obs.Logger() == nil {
		t.Fatal("observer returned nil primitive")
	}

	ctx, span := obs.Tracer().StartSpan(context.Background(), "pricing.lookup")
	obs.Metrics().RecordAttempt(ctx, "pricing.lookup", 0, nil)
	obs.Tracer().EndSpan(span, nil)

	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewObserver_InvalidConfig(t *testing.T) {
	if _, err := NewObserver(context.Background(), Config{}); !errors.Is(err, ErrMissingServiceName) {
		t.Errorf("NewObserver() error = %v, want ErrMissingServiceName", err)
	}
}
