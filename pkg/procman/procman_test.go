package procman

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownAllOnEmptyRegistryIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor()

	require.NoError(t, s.ShutdownAll(ctx))
	require.NoError(t, s.ShutdownAll(ctx))
	require.Equal(t, 0, s.Len())
}

func TestShutdownAllTerminatesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor()

	p, err := s.StartProcess(ctx, "sleeper", exec.Command("sleep", "60"))
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	require.Equal(t, []string{"sleeper"}, s.Names())
	require.False(t, p.Exited())

	require.NoError(t, s.ShutdownAll(ctx))
	require.True(t, p.Exited())
	require.Equal(t, 0, s.Len())

	// Repeated shutdown is a no-op.
	require.NoError(t, s.ShutdownAll(ctx))
}

func TestShutdownAllSkipsAlreadyExited(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor()

	p, err := s.StartProcess(ctx, "oneshot", exec.Command("true"))
	require.NoError(t, err)

	waitCtx, cancelFn := context.WithTimeout(ctx, 10*time.Second)
	defer cancelFn()
	require.NoError(t, p.Wait(waitCtx))
	require.True(t, p.Exited())

	// The exited process must not be re-signalled; ShutdownAll just
	// forgets it.
	require.NoError(t, s.ShutdownAll(ctx))
	require.Equal(t, 0, s.Len())
}

func TestShutdownAllReverseOrder(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor()

	first, err := s.StartProcess(ctx, "first", exec.Command("sleep", "60"))
	require.NoError(t, err)
	second, err := s.StartProcess(ctx, "second", exec.Command("sleep", "60"))
	require.NoError(t, err)

	require.NoError(t, s.ShutdownAll(ctx))
	require.True(t, first.Exited())
	require.True(t, second.Exited())
}

func TestStartProcessFailure(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor()

	_, err := s.StartProcess(ctx, "ghost", exec.Command("/nonexistent/binary"))
	require.Error(t, err)

	var errSpawn ErrSpawn
	require.ErrorAs(t, err, &errSpawn)
	require.Equal(t, "ghost", errSpawn.Name)
	require.Equal(t, 0, s.Len())
}
