// SPDX-License-Identifier: GPL-3.0-or-later

// Package epoll implements [safetcp.Notifier] on top of Linux epoll.
//
// A [*Loop] registers descriptors in edge-triggered mode and polls each
// [safetcp.Pollable] from the goroutine calling [*Loop.Run]. Every
// pollable registered with a Loop, and every [*safetcp.Conn] in
// particular, must only be touched from that goroutine. Other goroutines
// hand work to the loop with [*Loop.Do].
//
// Poll errors are contract violations, not connection failures: the loop
// logs them at Debug level (as pollError) and keeps going.
package epoll
