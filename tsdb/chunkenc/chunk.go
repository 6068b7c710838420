// Copyright 2024 The PromKV Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chunkenc

import (
	"fmt"
)

// Encoding is the identifier for a chunk encoding.
type Encoding uint8

// The different available chunk encodings.
const (
	EncNone Encoding = iota
	EncXOR
)

func (e Encoding) String() string {
	switch e {
	case EncNone:
		return "none"
	case EncXOR:
		return "XOR"
	}
	return "<unknown>"
}

const (
	// chunkHeaderSize is the size of the sample-count header.
	chunkHeaderSize = 2

	// chunkAllocationSize is the initial allocation for a new chunk.
	chunkAllocationSize = 128

	// chunkCompactCapacityThreshold avoids reallocating for marginal savings.
	chunkCompactCapacityThreshold = 32
)

// Chunk holds a sequence of sample pairs that can be iterated over and
// appended to.
type Chunk interface {
	// Bytes returns the underlying byte slice of the chunk.
	Bytes() []byte

	// Encoding returns the encoding type of the chunk.
	Encoding() Encoding

	// Appender returns an appender to append samples to the chunk. Samples
	// must be appended in ascending timestamp order.
	Appender() (Appender, error)

	// Iterator returns an iterator of the chunk samples. The iterator passed
	// as argument is for reuse.
	Iterator(it Iterator) Iterator

	// NumSamples returns the number of samples in the chunk.
	NumSamples() int

	// Compact is called whenever a chunk is expected to be complete (no more
	// samples appended) and the underlying representation can be trimmed.
	Compact()
}

// Appender adds sample pairs to a chunk.
type Appender interface {
	Append(t int64, v float64)
}

// Iterator iterates over the samples of a time series, in timestamp-ascending
// order.
type Iterator interface {
	// Next advances the iterator by one and returns false when exhausted.
	Next() bool
	// At returns the current timestamp/value pair. Before the iterator has
	// advanced, the behaviour is unspecified.
	At() (int64, float64)
	// Err returns the current error. It should be used only after the
	// iterator is exhausted.
	Err() error
}

// NewEmptyChunk returns an empty chunk for the given encoding.
func NewEmptyChunk(e Encoding) (Chunk, error) {
	if e == EncXOR {
		return NewXORChunk(), nil
	}
	return nil, fmt.Errorf("invalid chunk encoding %q", e)
}

// FromData returns a chunk from a byte slice of chunk data.
func FromData(e Encoding, d []byte) (Chunk, error) {
	if e == EncXOR {
		return &XORChunk{b: bstream{count: 0, stream: d}}, nil
	}
	return nil, fmt.Errorf("invalid chunk encoding %q", e)
}

// nopIterator is returned by iterators over broken data.
type nopIterator struct {
	err error
}

func (it *nopIterator) Next() bool        { return false }
func (*nopIterator) At() (int64, float64) { return 0, 0 }
func (it *nopIterator) Err() error        { return it.err }
