/*
Copyright © 2026 the Calvalus authors.
This file is part of Calvalus.

Calvalus is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Calvalus is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Calvalus.  If not, see <http://www.gnu.org/licenses/>.
*/

package tilecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MetadataMarker is the first short of a packed record that holds a
// metadata string instead of values.
const MetadataMarker = math.MinInt16

// maxChunk is the largest metadata chunk a single length prefix can
// describe.
const maxChunk = math.MaxUint16

// Packed is a compact record of three short integers, or, if
// IsMetadata is set, a metadata string. It is used for per-cell
// summaries and for the metadata record of a part file.
//
// Values are encoded as three big-endian int16. A metadata record is
// the marker followed by the number of chunks and the chunks of the
// string, each prefixed by its uint16 length.
type Packed struct {
	Values     [3]int16
	IsMetadata bool
	Metadata   string
}

// ErrMarkerValue is returned when asked to encode values whose first
// element collides with MetadataMarker.
var ErrMarkerValue = errors.New("tilecodec: first packed value equals the metadata marker")

// Saturate converts v to int16, clamping it to the representable range
// and keeping MetadataMarker free.
func Saturate(v int) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v <= MetadataMarker:
		return MetadataMarker + 1
	}
	return int16(v)
}

// AppendPacked appends the encoding of p to b.
func AppendPacked(b []byte, p Packed) ([]byte, error) {
	if !p.IsMetadata {
		if p.Values[0] == MetadataMarker {
			return b, ErrMarkerValue
		}
		for _, v := range p.Values {
			b = binary.BigEndian.AppendUint16(b, uint16(v))
		}
		return b, nil
	}
	s := p.Metadata
	numChunks := (len(s) + maxChunk - 1) / maxChunk
	if numChunks > math.MaxUint16 {
		return b, fmt.Errorf("tilecodec: metadata of %d bytes is too long", len(s))
	}
	m := int16(MetadataMarker)
	b = binary.BigEndian.AppendUint16(b, uint16(m))
	b = binary.BigEndian.AppendUint16(b, uint16(numChunks))
	for len(s) > 0 {
		n := len(s)
		if n > maxChunk {
			n = maxChunk
		}
		b = binary.BigEndian.AppendUint16(b, uint16(n))
		b = append(b, s[:n]...)
		s = s[n:]
	}
	return b, nil
}

// ReadPacked reads one packed record from r. Like ReadTile, it returns
// io.EOF at a clean end of input.
func ReadPacked(r io.Reader) (Packed, error) {
	var first [2]byte
	if err := readFull(r, first[:], true); err != nil {
		return Packed{}, err
	}
	v0 := int16(binary.BigEndian.Uint16(first[:]))
	if v0 != MetadataMarker {
		var rest [4]byte
		if err := readFull(r, rest[:], false); err != nil {
			return Packed{}, err
		}
		return Packed{Values: [3]int16{
			v0,
			int16(binary.BigEndian.Uint16(rest[0:2])),
			int16(binary.BigEndian.Uint16(rest[2:4])),
		}}, nil
	}
	var u [2]byte
	if err := readFull(r, u[:], false); err != nil {
		return Packed{}, err
	}
	numChunks := int(binary.BigEndian.Uint16(u[:]))
	var s []byte
	for i := 0; i < numChunks; i++ {
		if err := readFull(r, u[:], false); err != nil {
			return Packed{}, err
		}
		chunk := make([]byte, binary.BigEndian.Uint16(u[:]))
		if err := readFull(r, chunk, false); err != nil {
			return Packed{}, err
		}
		s = append(s, chunk...)
	}
	return Packed{IsMetadata: true, Metadata: string(s)}, nil
}

// UnmarshalPacked decodes a packed record spanning all of b.
func UnmarshalPacked(b []byte) (Packed, error) {
	r := &sliceReader{b: b}
	p, err := ReadPacked(r)
	if err := whole(r, err); err != nil {
		return Packed{}, err
	}
	return p, nil
}
