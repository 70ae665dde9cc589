package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"jobserver/pkg/api/middleware"
)

func TestShellHandler_RunsCommandAndCapturesOutput(t *testing.T) {
	validator := middleware.NewValidator(middleware.DefaultValidatorConfig())
	handler := NewShellHandler(validator)
	job := writeJob(t, shellInput{Command: "echo hello"})

	result, err := handler(context.Background(), job)
	require.NoError(t, err)

	var out shellOutput
	require.NoError(t, json.Unmarshal(result, &out))
	require.Equal(t, 0, out.ExitCode)
	require.Contains(t, out.Stdout, "hello")
}

func TestShellHandler_NonZeroExitIsReturnedAsError(t *testing.T) {
	validator := middleware.NewValidator(middleware.DefaultValidatorConfig())
	handler := NewShellHandler(validator)
	job := writeJob(t, shellInput{Command: "exit 3"})

	_, err := handler(context.Background(), job)
	require.Error(t, err)
}

func TestShellHandler_RejectsBlacklistedCommand(t *testing.T) {
	validator := middleware.NewValidator(middleware.DefaultValidatorConfig())
	handler := NewShellHandler(validator)
	job := writeJob(t, shellInput{Command: "rm -rf /"})

	_, err := handler(context.Background(), job)
	require.Error(t, err)
}

func TestShellHandler_RequiresCommand(t *testing.T) {
	validator := middleware.NewValidator(middleware.DefaultValidatorConfig())
	handler := NewShellHandler(validator)
	job := writeJob(t, shellInput{})

	_, err := handler(context.Background(), job)
	require.Error(t, err)
}
