// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import "time"

// Config holds common configuration for connections and listeners.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Sys is the socket primitive layer.
	//
	// Set by [NewConfig] to [NewSys].
	Sys Sys

	// ErrClassifier classifies errors for structured logging and metrics.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// ReadBufferSize is the size of the buffer used by the read path.
	//
	// Set by [NewConfig] to 64 KiB.
	ReadBufferSize int

	// AckPollInterval is the first delay between two acknowledgment
	// polls while a connection is closing.
	//
	// Set by [NewConfig] to one millisecond.
	AckPollInterval time.Duration

	// AckPollMaxInterval caps the exponential backoff between two
	// acknowledgment polls.
	//
	// Set by [NewConfig] to 250 milliseconds.
	AckPollMaxInterval time.Duration

	// CloseTimeout bounds how long a connection waits in [PhaseClosing]
	// for the peer to acknowledge everything and close its side. When it
	// elapses the connection fails with [KindExhausted].
	//
	// Set by [NewConfig] to one minute.
	CloseTimeout time.Duration

	// AcceptRetryInterval is how long a [*Listener] waits before polling
	// itself again after a hard accept error.
	//
	// Set by [NewConfig] to 100 milliseconds.
	AcceptRetryInterval time.Duration

	// Metrics, when not nil, receives connection metrics.
	//
	// Set by [NewConfig] to nil.
	Metrics *Metrics
}

const (
	defaultReadBufferSize     = 64 << 10
	defaultAckPollInterval    = time.Millisecond
	defaultAckPollMaxInterval = 250 * time.Millisecond
	defaultCloseTimeout       = time.Minute
	defaultAcceptRetry        = 100 * time.Millisecond
	listenBacklog             = 128
)

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Sys:                 NewSys(),
		ErrClassifier:       DefaultErrClassifier,
		TimeNow:             time.Now,
		ReadBufferSize:      defaultReadBufferSize,
		AckPollInterval:     defaultAckPollInterval,
		AckPollMaxInterval:  defaultAckPollMaxInterval,
		CloseTimeout:        defaultCloseTimeout,
		AcceptRetryInterval: defaultAcceptRetry,
	}
}
