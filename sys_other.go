// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package safetcp

import (
	"errors"
	"net/netip"
)

// NewSys returns a [Sys] whose operations all fail with [errors.ErrUnsupported].
//
// Only Linux provides the acknowledgment oracle this package relies on.
func NewSys() Sys {
	return unsupportedSys{}
}

type unsupportedSys struct{}

var _ Sys = unsupportedSys{}

func (unsupportedSys) Socket(netip.AddrPort) (int, error) {
	return -1, errors.ErrUnsupported
}

func (unsupportedSys) Bind(int, netip.AddrPort) error {
	return errors.ErrUnsupported
}

func (unsupportedSys) Connect(int, netip.AddrPort) error {
	return errors.ErrUnsupported
}

func (unsupportedSys) Prepare(int) error {
	return errors.ErrUnsupported
}

func (unsupportedSys) Read(int, []byte) (int, error) {
	return 0, errors.ErrUnsupported
}

func (unsupportedSys) Write(int, []byte) (int, error) {
	return 0, errors.ErrUnsupported
}

func (unsupportedSys) SocketError(int) error {
	return errors.ErrUnsupported
}

func (unsupportedSys) LocalAddr(int) (netip.AddrPort, error) {
	return netip.AddrPort{}, errors.ErrUnsupported
}

func (unsupportedSys) PeerAddr(int) (netip.AddrPort, error) {
	return netip.AddrPort{}, errors.ErrUnsupported
}

func (unsupportedSys) Shutdown(int) error {
	return errors.ErrUnsupported
}

func (unsupportedSys) Close(int) error {
	return errors.ErrUnsupported
}

func (unsupportedSys) Listen(netip.AddrPort, int) (int, error) {
	return -1, errors.ErrUnsupported
}

func (unsupportedSys) Accept(int) (int, netip.AddrPort, error) {
	return -1, netip.AddrPort{}, errors.ErrUnsupported
}

func (unsupportedSys) Unacknowledged(int) (int, error) {
	return 0, errors.ErrUnsupported
}
