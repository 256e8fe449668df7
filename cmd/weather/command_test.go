package main

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantTool string
		wantArgs any
		wantKind commandKind
		wantErr  bool
	}{
		{
			name:     "forecast",
			args:     []string{"forecast", "37.7749", "-122.4194"},
			wantKind: commandForecast,
			wantTool: "get-forecast",
			wantArgs: forecastArgs{Latitude: 37.7749, Longitude: -122.4194},
		},
		{
			name:     "forecast at the limits",
			args:     []string{"forecast", "-90", "180"},
			wantKind: commandForecast,
			wantTool: "get-forecast",
			wantArgs: forecastArgs{Latitude: -90, Longitude: 180},
		},
		{
			name:     "alerts",
			args:     []string{"alerts", "CA"},
			wantKind: commandAlerts,
			wantTool: "get-alerts",
			wantArgs: alertsArgs{State: "CA"},
		},
		{
			name:     "alerts upper-cases the code",
			args:     []string{"alerts", "ny"},
			wantKind: commandAlerts,
			wantTool: "get-alerts",
			wantArgs: alertsArgs{State: "NY"},
		},
		{
			name:     "tools",
			args:     []string{"tools"},
			wantKind: commandTools,
		},
		{name: "no command", args: nil, wantErr: true},
		{name: "unknown command", args: []string{"tides", "CA"}, wantErr: true},
		{name: "alerts with a state name", args: []string{"alerts", "California"}, wantErr: true},
		{name: "alerts with one letter", args: []string{"alerts", "C"}, wantErr: true},
		{name: "alerts with digits", args: []string{"alerts", "C1"}, wantErr: true},
		{name: "alerts with non-ASCII letters", args: []string{"alerts", "ÇA"}, wantErr: true},
		{name: "alerts without a code", args: []string{"alerts"}, wantErr: true},
		{name: "forecast with one coordinate", args: []string{"forecast", "37.7749"}, wantErr: true},
		{name: "forecast with text", args: []string{"forecast", "north", "-122"}, wantErr: true},
		{name: "forecast with NaN", args: []string{"forecast", "NaN", "0"}, wantErr: true},
		{name: "forecast with infinity", args: []string{"forecast", "0", "+Inf"}, wantErr: true},
		{name: "latitude out of range", args: []string{"forecast", "90.5", "0"}, wantErr: true},
		{name: "longitude out of range", args: []string{"forecast", "0", "-180.01"}, wantErr: true},
		{name: "tools with an invalid pattern", args: []string{"tools", "get-[a"}, wantErr: true},
		{name: "tools with two patterns", args: []string{"tools", "get-*", "*-alerts"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := parseCommand(tt.args)
			if tt.wantErr {
				if !errors.Is(err, errUsage) {
					t.Fatalf("expected a usage error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd.kind != tt.wantKind {
				t.Errorf("expected kind %d, got %d", tt.wantKind, cmd.kind)
			}
			if cmd.tool != tt.wantTool {
				t.Errorf("expected tool %q, got %q", tt.wantTool, cmd.tool)
			}
			if cmd.filter != nil {
				t.Errorf("expected no filter, got %v", cmd.filter)
			}
			if !reflect.DeepEqual(cmd.args, tt.wantArgs) {
				t.Errorf("expected args %#v, got %#v", tt.wantArgs, cmd.args)
			}
		})
	}
}

func TestParseCommandToolsPattern(t *testing.T) {
	cmd, err := parseCommand([]string{"tools", "get-{alerts,tides}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.kind != commandTools || cmd.filter == nil {
		t.Fatalf("expected a filtered tool listing, got %+v", cmd)
	}

	for name, want := range map[string]bool{
		"get-alerts":   true,
		"get-tides":    true,
		"get-forecast": false,
	} {
		if got := cmd.filter.Match(name); got != want {
			t.Errorf("Match(%q) = %v, want %v", name, got, want)
		}
	}
}
