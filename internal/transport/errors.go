package transport

import "errors"

// ErrNotSupported is returned by PCIe-only extension points (CMB/PMR)
// on transports that don't implement them.
var ErrNotSupported = errors.New("transport: operation not supported")
