// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Abstract pooling APIs: allocators for buffer and object reuse on the
// high-intensity issue/completion paths.

package api

// BytePool provides reusable []byte buffers of a fixed capacity.
type BytePool interface {
	// GetBuffer returns a zeroed-length-irrelevant buffer from the pool.
	GetBuffer() []byte

	// PutBuffer returns a buffer to the pool.
	PutBuffer(buf []byte)
}

// ObjectPool provides generic pooling of transiently allocated objects.
type ObjectPool[T any] interface {
	// Get returns an available instance from the pool.
	Get() T

	// Put returns an instance for reuse.
	Put(obj T)
}
