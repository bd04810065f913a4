// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package buffer implements a growable byte arena shared by the broker
// ingress accumulator and directory-entry serialization.
package buffer

// Buffer is a byte region that may only grow. The zero value is an empty,
// usable Buffer.
type Buffer struct {
	data []byte
	size int
}

// Reserve returns a writable tail of length n without committing it. The
// returned slice is only valid until the next call to Reserve, Assign, or
// Commit.
func (b *Buffer) Reserve(n int) []byte {
	need := b.size + n
	if cap(b.data) < need {
		grown := make([]byte, need, growCap(cap(b.data), need))
		copy(grown, b.data[:b.size])
		b.data = grown
	} else if len(b.data) < need {
		b.data = b.data[:need]
	}
	return b.data[b.size:need]
}

// Commit advances the logical size of the buffer by n, which must not exceed
// the length of the slice most recently returned by Reserve.
func (b *Buffer) Commit(n int) {
	b.size += n
	if b.size > len(b.data) {
		b.size = len(b.data)
	}
}

// Assign replaces the buffer's contents with a copy of bytes.
func (b *Buffer) Assign(bytes []byte) {
	b.size = 0
	dst := b.Reserve(len(bytes))
	copy(dst, bytes)
	b.Commit(len(bytes))
}

// Consume discards the first n bytes of the buffer, sliding the remainder
// down to offset zero. It panics if n exceeds Len().
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.size {
		panic("buffer: Consume out of range")
	}
	copy(b.data, b.data[n:b.size])
	b.size -= n
}

// Len returns the current logical size of the buffer.
func (b *Buffer) Len() int {
	return b.size
}

// Bytes returns a reference to the current logical contents of the buffer.
// The slice is only valid until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.size]
}

// growCap picks a new capacity at least need, doubling the existing capacity
// when that already covers it to amortize repeated small grows.
func growCap(have, need int) int {
	if have == 0 {
		have = 64
	}
	for have < need {
		have *= 2
	}
	return have
}
