// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 identifying the lifetime of a connection.
//
// Every [*Conn] gets one at creation and attaches it to its log events
// as the spanID field, so that all the events of a connection, from
// connectStart to closeDone, can be correlated.
//
// This function panics if the system random number generator fails.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
