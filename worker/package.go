// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package worker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"

	"github.com/openclaw/mesh/bazaar"
)

// BuildPackage wraps a result document in a gzipped tar archive and
// base64-encodes it for the task_completed payload.
func BuildPackage(taskID string, result []byte) (*bazaar.Package, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	hdr := &tar.Header{
		Name:    "result.json",
		Mode:    0644,
		Size:    int64(len(result)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, errors.Wrap(err, "write archive header")
	}
	if _, err := tw.Write(result); err != nil {
		return nil, errors.Wrap(err, "write archive body")
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "close archive")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "close gzip")
	}

	return &bazaar.Package{
		FileName: taskID + ".tar.gz",
		Size:     int64(buf.Len()),
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// UnpackResult decodes a package and returns the result document.
func UnpackResult(pkg *bazaar.Package) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(pkg.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decode package")
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "open gzip")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return nil, errors.Wrap(err, "read archive")
		}
		if hdr.Name == "result.json" {
			var out bytes.Buffer
			if _, err := out.ReadFrom(tr); err != nil {
				return nil, errors.Wrap(err, "read result")
			}
			return out.Bytes(), nil
		}
	}
}
