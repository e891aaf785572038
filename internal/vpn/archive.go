package vpn

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/pkg/archive"
)

// ArchiveName is the name the client container looks for under its data dir.
const ArchiveName = "vpn.tar.gz"

// buildArchive gzips the session directory and wraps it as a single
// ArchiveName entry in an uncompressed tar, the form CopyToContainer takes.
func buildArchive(dir string, modTime time.Time) (*bytes.Buffer, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("session dir: %s is not a directory", dir)
	}
	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{Compression: archive.Gzip})
	if err != nil {
		return nil, fmt.Errorf("tar session dir: %w", err)
	}
	defer rc.Close()

	inner, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("tar session dir: %w", err)
	}

	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	hdr := &tar.Header{
		Name:    ArchiveName,
		Mode:    0o600,
		Size:    int64(len(inner)),
		ModTime: modTime,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write archive header: %w", err)
	}
	if _, err := tw.Write(inner); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return &out, nil
}
