// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)

	// Sys should be set to the operating system implementation
	assert.Equal(t, NewSys(), cfg.Sys)

	// ErrClassifier should be DefaultErrClassifier
	assert.Equal(t, "", cfg.ErrClassifier.Classify(nil))

	// TimeNow should be set and return a valid time
	now := cfg.TimeNow()
	assert.False(t, now.IsZero())

	// The close protocol knobs should be consistent
	assert.Equal(t, defaultReadBufferSize, cfg.ReadBufferSize)
	assert.Positive(t, cfg.AckPollInterval)
	assert.LessOrEqual(t, cfg.AckPollInterval, cfg.AckPollMaxInterval)
	assert.Greater(t, cfg.CloseTimeout, cfg.AckPollMaxInterval)

	assert.Equal(t, defaultAcceptRetry, cfg.AcceptRetryInterval)

	// Metrics are opt-in
	assert.Nil(t, cfg.Metrics)
}
