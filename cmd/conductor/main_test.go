package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plateworks/conductor/pkg/types"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"interrupted", errInterrupted, 130},
		{"config error", &types.ConfigError{Msg: "no devices"}, 1},
		{"wrapped config error", fmt.Errorf("loading lab: %w", &types.ConfigError{Field: "capacity", Msg: "negative"}), 1},
		{"usage error", errors.New(`unknown flag: --bogus`), 1},
		{"runtime failure", errors.New("timeout waiting for lock"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
