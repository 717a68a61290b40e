package cmd

import (
	"errors"
	"fmt"
	"testing"

	"tether/internal/config"
)

func TestSetAndGetVersion(t *testing.T) {
	originalVersion := rootCmd.Version
	defer func() { rootCmd.Version = originalVersion }()

	SetVersion("1.2.3")
	if got := GetVersion(); got != "1.2.3" {
		t.Errorf("Expected version '1.2.3', got %s", got)
	}
}

func TestRootCommandStructure(t *testing.T) {
	if rootCmd.Use != "tether" {
		t.Errorf("Expected Use to be 'tether', got %s", rootCmd.Use)
	}
	if !rootCmd.SilenceUsage {
		t.Error("Expected SilenceUsage to be true")
	}

	names := make(map[string]bool)
	for _, sub := range rootCmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"serve", "version", "generate-key"} {
		if !names[want] {
			t.Errorf("Expected subcommand %q to be registered", want)
		}
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "generic error",
			err:  errors.New("boom"),
			want: ExitCodeError,
		},
		{
			name: "config load error",
			err:  &config.LoadError{Path: "/tmp/config.yaml", Err: errors.New("bad yaml")},
			want: ExitCodeConfigError,
		},
		{
			name: "wrapped config load error",
			err:  fmt.Errorf("startup: %w", &config.LoadError{Path: "x", Err: errors.New("nope")}),
			want: ExitCodeConfigError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getExitCode(tt.err); got != tt.want {
				t.Errorf("Expected exit code %d, got %d", tt.want, got)
			}
		})
	}
}
