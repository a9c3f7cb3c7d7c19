package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/deepsynoptic/mosaicd"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"config error", mosaicd.Errorf(mosaicd.Config, "bad config"), 2},
		{"wrapped config error", fmt.Errorf("load: %w", mosaicd.Errorf(mosaicd.Config, "bad config")), 2},
		{"runtime error", mosaicd.Errorf(mosaicd.Transient, "stage failed"), 1},
		{"plain error", errors.New("boom"), 1},
		{"idle single tick", errNoAdvance, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestRunRejectsOnceWithLoop(t *testing.T) {
	code := run([]string{"run", "--once", "--loop"})
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}
