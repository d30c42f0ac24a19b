package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RunOnce(t *testing.T) {
	env, notifier := newResetEnv(t)
	env.mustRegister(t, "alice@example.com")
	env.mustRegister(t, "bob@example.com")
	env.mustLogin(t, "alice@example.com")
	_, err := env.svc.RequestPasswordReset(context.Background(), testRC(), PasswordResetRequestInput{Email: "alice@example.com"})
	require.NoError(t, err)
	notifier.last(t)

	_, err = env.svc.RateLimiter().Allow(context.Background(), RateLimitKey{Action: ActionLogin, Client: "ip:203.0.113.7"}, 10, time.Minute)
	require.NoError(t, err)

	// Nothing has expired yet.
	result, err := env.svc.Sweeper(nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)

	env.clock.Advance(31 * 24 * time.Hour)
	bobRC, _ := env.mustLogin(t, "bob@example.com")

	result, err = env.svc.Sweeper(nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Sessions)
	assert.Equal(t, int64(1), result.ResetTokens)
	assert.Equal(t, int64(1), result.LoginAttempts, "only attempts older than the retention period")
	assert.Equal(t, 1, result.Counters)

	require.NoError(t, env.svc.Authenticate(context.Background(), testRC(), bobRC.Token), "live sessions survive")

	result, err = env.svc.Sweeper(nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Sessions, "sweeping is idempotent")
}

func TestSweeper_ContinuesAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mustRegister(t, "alice@example.com")
	env.mustLogin(t, "alice@example.com")
	env.clock.Advance(31 * 24 * time.Hour)

	storageErr := errors.New("database is locked")
	env.store.fail("DeleteExpiredSessions", storageErr)

	result, err := env.svc.Sweeper(nil).RunOnce(context.Background())
	assert.ErrorIs(t, err, storageErr)
	assert.Zero(t, result.Sessions)
	assert.Equal(t, int64(1), result.LoginAttempts)
	assert.Equal(t, 1, env.store.callCount("DeleteExpiredPasswordResetTokens"))
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.svc.Sweeper(nil).Run(ctx, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return env.store.callCount("DeleteExpiredSessions") >= 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
