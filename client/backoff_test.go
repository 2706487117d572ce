package client

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Factor: 2, Cap: 30 * time.Second}
	rng := rand.New(rand.NewSource(1))

	assert.Equal(t, time.Second, policy.delay(0, rng))
	assert.Equal(t, 2*time.Second, policy.delay(1, rng))
	assert.Equal(t, 4*time.Second, policy.delay(2, rng))
	assert.Equal(t, 8*time.Second, policy.delay(3, rng))
}

func TestBackoffHonorsCap(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Factor: 2, Cap: 30 * time.Second}
	rng := rand.New(rand.NewSource(1))

	assert.Equal(t, 30*time.Second, policy.delay(10, rng))
	assert.Equal(t, 30*time.Second, policy.delay(100, rng))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Factor: 2, Cap: 30 * time.Second, Jitter: 0.2}
	rng := rand.New(rand.NewSource(42))

	for attempt := 0; attempt < 6; attempt++ {
		raw := BackoffPolicy{Base: policy.Base, Factor: policy.Factor, Cap: policy.Cap}.delay(attempt, rng)
		for i := 0; i < 50; i++ {
			jittered := policy.delay(attempt, rng)
			assert.GreaterOrEqual(t, jittered, time.Duration(float64(raw)*0.8))
			assert.LessOrEqual(t, jittered, time.Duration(float64(raw)*1.2))
		}
	}
}

func TestBackoffSanitizedFillsDefaults(t *testing.T) {
	policy := BackoffPolicy{}.sanitized()
	assert.Equal(t, DefaultBackoff, policy)

	policy = BackoffPolicy{Base: -time.Second, Factor: 0.5, Cap: time.Millisecond, Jitter: 2}.sanitized()
	assert.Equal(t, DefaultBackoff.Base, policy.Base)
	assert.Equal(t, DefaultBackoff.Factor, policy.Factor)
	assert.Equal(t, DefaultBackoff.Cap, policy.Cap)
	assert.Equal(t, DefaultBackoff.Jitter, policy.Jitter)

	// A policy that sets delays but leaves jitter zeroed still reconnects
	// with spread; lockstep retries are never a valid configuration.
	policy = BackoffPolicy{Base: time.Second, Factor: 2, Cap: 30 * time.Second}.sanitized()
	assert.Equal(t, DefaultBackoff.Jitter, policy.Jitter)
}
