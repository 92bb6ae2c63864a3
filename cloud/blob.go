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
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// maxRetries bounds the attempts to open or commit a blob.
const maxRetries = 4

func retry(ctx context.Context, log logrus.FieldLogger, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		log.WithFields(logrus.Fields{"retry_in": d}).Warn(err)
	})
}

// readBlob reads the given blob from the given bucket.
func readBlob(ctx context.Context, bucket *blob.Bucket, key string) ([]byte, error) {
	var b bytes.Buffer
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("cloud: reading blob %s: %v", key, err)
	}
	defer r.Close()
	_, err = io.Copy(&b, r)
	if err != nil {
		return nil, fmt.Errorf("cloud: reading blob %s: %v", key, err)
	}
	return b.Bytes(), nil
}

// writeBlob writes the given data to the given bucket.
func writeBlob(ctx context.Context, bucket *blob.Bucket, key string, data []byte) error {
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return fmt.Errorf("cloud: creating writer for blob %s: %v", key, err)
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	if err != nil {
		w.Close()
		return fmt.Errorf("cloud: copying blob %s: %v", key, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("cloud: writing blob %s: %v", key, err)
	}
	return nil
}

// commit moves the blob at tmp to key. Buckets have no rename, so the
// blob is copied and the temporary one deleted.
func commit(ctx context.Context, log logrus.FieldLogger, bucket *blob.Bucket, tmp, key string) error {
	err := retry(ctx, log, func() error {
		return bucket.Copy(ctx, key, tmp, nil)
	})
	if err != nil {
		return fmt.Errorf("cloud: committing blob %s: %v", key, err)
	}
	if err := bucket.Delete(ctx, tmp); err != nil {
		return fmt.Errorf("cloud: deleting temporary blob %s: %v", tmp, err)
	}
	return nil
}

// dirPrefix returns prefix with exactly one trailing slash, or the
// empty string for the root of the bucket.
func dirPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// List returns the sorted keys of the blobs directly under the
// directory prefix whose base names start with namePrefix.
func List(ctx context.Context, bucket *blob.Bucket, prefix, namePrefix string) ([]string, error) {
	dir := dirPrefix(prefix)
	iter := bucket.List(&blob.ListOptions{
		Prefix:    dir + namePrefix,
		Delimiter: "/",
	})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cloud: listing %s: %v", dir, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return path.Base(keys[i]) < path.Base(keys[j]) })
	return keys, nil
}

// DeleteDir deletes all blobs directly under the directory prefix.
func DeleteDir(ctx context.Context, bucket *blob.Bucket, prefix string) error {
	keys, err := List(ctx, bucket, prefix, "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err = bucket.Delete(ctx, k); err != nil {
			return fmt.Errorf("cloud: deleting blob %s: %v", k, err)
		}
	}
	return nil
}

// WriteFile stores data under name in the directory prefix.
func WriteFile(ctx context.Context, bucket *blob.Bucket, prefix, name string, data []byte) error {
	return writeBlob(ctx, bucket, dirPrefix(prefix)+name, data)
}

// ReadFile reads the blob name in the directory prefix.
func ReadFile(ctx context.Context, bucket *blob.Bucket, prefix, name string) ([]byte, error) {
	return readBlob(ctx, bucket, dirPrefix(prefix)+name)
}
