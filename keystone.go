// Package keystone is the resource and synchronization core of a GPU renderer. A Context owns the
// memory allocator, the bindless slot registry, the command pool matrix and the per-frame
// descriptor allocators of one device, and drives them through the frame loop:
//
//	frame, err := ctx.BeginFrame()
//	...record and frame.Submit work...
//	err = frame.Present(presenter)
//
// BeginFrame only blocks when the GPU is a full cycle of frames behind.
package keystone

import "github.com/vkngwrapper/keystone/hal"

// IsFatal reports whether err ends the device session. Callers should tear the Context down and
// recreate it. Device loss is attached with cockroachdb errors.Mark, so classify errors with
// IsFatal or cockroachdb errors.Is; the standard library errors.Is cannot see the mark.
func IsFatal(err error) bool {
	return hal.IsFatal(err)
}
