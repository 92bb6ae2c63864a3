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

package cloud

import (
	"context"
	"errors"
	"io"
	"testing"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/kr/pretty"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

func writePart(t *testing.T, b *blob.Bucket, part int, compress bool, keys ...int64) {
	t.Helper()
	w, err := NewPartWriter(context.Background(), b, "out", part, compress)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if err := w.Write(k, []byte{byte(k), byte(part)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func readAll(t *testing.T, b *blob.Bucket) []Record {
	t.Helper()
	r, err := OpenParts(context.Background(), b, "out")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var o []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return o
		} else if err != nil {
			t.Fatal(err)
		}
		o = append(o, rec)
	}
}

func TestPartName(t *testing.T) {
	if have, want := PartName(3, false), "part-r-00003"; have != want {
		t.Errorf("want %s but have %s", want, have)
	}
	if have, want := PartName(12, true), "part-r-00012.zst"; have != want {
		t.Errorf("want %s but have %s", want, have)
	}
}

func TestPartRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		b := memblob.OpenBucket(nil)
		writePart(t, b, 1, compress, 5, 6, 6)
		writePart(t, b, 0, compress, -1, 1, 2)
		writePart(t, b, 2, compress)
		writePart(t, b, 3, compress, 9)

		have := readAll(t, b)
		want := []Record{
			{Key: -1, Payload: []byte{255, 0}},
			{Key: 1, Payload: []byte{1, 0}},
			{Key: 2, Payload: []byte{2, 0}},
			{Key: 5, Payload: []byte{5, 1}},
			{Key: 6, Payload: []byte{6, 1}},
			{Key: 6, Payload: []byte{6, 1}},
			{Key: 9, Payload: []byte{9, 3}},
		}
		if diff := pretty.Diff(have, want); len(diff) > 0 {
			t.Errorf("compress=%v: %v", compress, diff)
		}
	}
}

func TestOpenPartsSkipsEmpty(t *testing.T) {
	b := memblob.OpenBucket(nil)
	writePart(t, b, 0, false)
	writePart(t, b, 1, false, 4)
	r, err := OpenParts(context.Background(), b, "out")
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Diff(r.Parts(), []string{"out/part-r-00001"}); len(diff) > 0 {
		t.Error(diff)
	}
	if diff := pretty.Diff(r.FirstKeys(), []int64{4}); len(diff) > 0 {
		t.Error(diff)
	}
}

func TestOpenPartsOutOfOrder(t *testing.T) {
	b := memblob.OpenBucket(nil)
	writePart(t, b, 0, false, 10, 11)
	writePart(t, b, 1, false, 3)
	_, err := OpenParts(context.Background(), b, "out")
	if !errors.Is(err, calvalus.ErrOutOfOrder) {
		t.Errorf("want ErrOutOfOrder but have %v", err)
	}
}

func TestPartReaderOutOfOrderAcrossParts(t *testing.T) {
	b := memblob.OpenBucket(nil)
	writePart(t, b, 0, false, 1, 8)
	writePart(t, b, 1, false, 5)
	r, err := OpenParts(context.Background(), b, "out")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for i := 0; i < 2; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Next(); !errors.Is(err, calvalus.ErrOutOfOrder) {
		t.Errorf("want ErrOutOfOrder but have %v", err)
	}
}

func TestPartWriterOrder(t *testing.T) {
	b := memblob.OpenBucket(nil)
	w, err := NewPartWriter(context.Background(), b, "out", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	if err := w.Write(4, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(3, nil); !errors.Is(err, calvalus.ErrOutOfOrder) {
		t.Errorf("want ErrOutOfOrder but have %v", err)
	}
}

func TestPartWriterAbort(t *testing.T) {
	ctx := context.Background()
	b := memblob.OpenBucket(nil)
	w, err := NewPartWriter(ctx, b, "out", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(1, []byte("x")); err != nil {
		t.Fatal(err)
	}
	w.Abort()
	if ok, _ := b.Exists(ctx, w.Key()); ok {
		t.Error("aborted part is readable")
	}
	keys, err := List(ctx, b, "out", PartPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("want no parts but have %v", keys)
	}
}

func TestPartWriterCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := memblob.OpenBucket(nil)
	w, err := NewPartWriter(ctx, b, "out", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(1, []byte("x")); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := w.Close(); err == nil {
		t.Fatal("want an error for a canceled write")
	}
	iter := b.List(nil)
	for {
		obj, err := iter.Next(context.Background())
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		t.Errorf("object %s left behind", obj.Key)
	}
}

func TestPartTruncated(t *testing.T) {
	ctx := context.Background()
	b := memblob.OpenBucket(nil)
	// A header announcing 8 bytes followed by only 2.
	data := []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 8, 1, 2}
	if err := WriteFile(ctx, b, "out", PartName(0, false), data); err != nil {
		t.Fatal(err)
	}
	_, err := OpenParts(ctx, b, "out")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("want ErrUnexpectedEOF but have %v", err)
	}
}

func TestFiles(t *testing.T) {
	ctx := context.Background()
	b := memblob.OpenBucket(nil)
	if err := WriteFile(ctx, b, "out/", "meta.toml", []byte("a = 1")); err != nil {
		t.Fatal(err)
	}
	have, err := ReadFile(ctx, b, "out", "meta.toml")
	if err != nil {
		t.Fatal(err)
	}
	if string(have) != "a = 1" {
		t.Errorf("want %q but have %q", "a = 1", have)
	}
	if err := DeleteDir(ctx, b, "out"); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(ctx, b, "out", "meta.toml"); err == nil {
		t.Error("want an error after deleting the directory")
	}
}
