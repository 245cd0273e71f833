package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandExecutorRun(t *testing.T) {
	executor := NewCommandExecutor()
	ctx := context.Background()

	t.Run("should execute a simple command successfully", func(t *testing.T) {
		result, err := executor.Run(ctx, "echo", "hello world")
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", result.Stdout)
		assert.Empty(t, result.Stderr)
		assert.Equal(t, 0, result.ExitCode)
	})

	t.Run("should capture stderr", func(t *testing.T) {
		result, err := executor.Run(ctx, "sh", "-c", "echo 'hello stderr' 1>&2")
		require.NoError(t, err)
		assert.Empty(t, result.Stdout)
		assert.Equal(t, "hello stderr\n", result.Stderr)
		assert.Equal(t, 0, result.ExitCode)
	})

	t.Run("should handle non-zero exit codes", func(t *testing.T) {
		result, err := executor.Run(ctx, "sh", "-c", "exit 42")
		require.NoError(t, err)
		assert.Equal(t, 42, result.ExitCode)
	})

	t.Run("should return error for non-existent command", func(t *testing.T) {
		_, err := executor.Run(ctx, "this_command_does_not_exist_12345")
		assert.Error(t, err)
	})
}
