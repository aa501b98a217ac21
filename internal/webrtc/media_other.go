//go:build !linux || !cgo

package webrtc

// DefaultMediaSource returns a send-capable silent source. Hardware capture via
// pion/mediadevices needs the linux drivers and cgo.
func DefaultMediaSource() MediaSource { return SilentSource{} }
