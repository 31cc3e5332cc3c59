package transport

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/resource"
)

// File 处理 file:// Location，直接读写本地（或挂载的）目录。
type File struct{}

var _ Transport = File{}

func (File) Name() string { return "file" }

func (File) Handles(loc *resource.Location) bool {
	return loc != nil && loc.Scheme() == "file"
}

func localPath(rawURL string) (string, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return "", err
	}
	if u.Path == "" {
		return "", galleyerrors.E(galleyerrors.Invalid, "transport.file", "url has no path").WithURL(rawURL)
	}
	return filepath.FromSlash(u.Path), nil
}

func (File) CreateDownloadJob(rawURL string, loc *resource.Location, target *cache.Transfer) (DownloadJob, error) {
	p, err := localPath(rawURL)
	if err != nil {
		return nil, err
	}
	return &fileDownload{url: rawURL, path: p, loc: loc, target: target}, nil
}

func (File) CreatePublishJob(rawURL string, loc *resource.Location, body io.Reader, _ int64, _ string) (PublishJob, error) {
	p, err := localPath(rawURL)
	if err != nil {
		return nil, err
	}
	return &filePublish{url: rawURL, path: p, loc: loc, body: body}, nil
}

func (File) CreateExistenceJob(rawURL string, _ *resource.Location) (ExistenceJob, error) {
	p, err := localPath(rawURL)
	if err != nil {
		return nil, err
	}
	return fileExists(p), nil
}

type fileDownload struct {
	url    string
	path   string
	loc    *resource.Location
	target *cache.Transfer
}

func (j *fileDownload) Call(ctx context.Context) (*cache.Transfer, error) {
	in, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, j.fail(err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return nil, j.fail(err)
	}
	if info.IsDir() {
		return nil, nil
	}

	out, err := j.target.OpenOutputStream(ctx, cache.OpDownload, true)
	if err != nil {
		return nil, j.fail(err)
	}
	if _, err := cache.CopyWithContext(ctx, out, in); err != nil {
		out.Abort()
		return nil, j.fail(err)
	}
	if err := out.Close(); err != nil {
		return nil, j.fail(err)
	}
	return j.target, nil
}

func (j *fileDownload) fail(err error) error {
	return galleyerrors.Wrap(galleyerrors.Transfer, "transport.file.download", err, "copy from %s", j.path).
		WithURL(j.url).WithLocation(locationName(j.loc))
}

type filePublish struct {
	url  string
	path string
	loc  *resource.Location
	body io.Reader
}

// Call 以临时文件 + rename 写入目标，远端读者不会看到半截文件。
func (j *filePublish) Call(ctx context.Context) (bool, error) {
	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, j.fail(err)
	}
	tmp, err := os.CreateTemp(dir, ".galley-publish-*")
	if err != nil {
		return false, j.fail(err)
	}
	_, err = cache.CopyWithContext(ctx, tmp, j.body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), j.path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return false, j.fail(err)
	}
	return true, nil
}

func (j *filePublish) fail(err error) error {
	return galleyerrors.Wrap(galleyerrors.Transfer, "transport.file.publish", err, "write to %s", j.path).
		WithURL(j.url).WithLocation(locationName(j.loc))
}

type fileExists string

func (p fileExists) Call(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(string(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}
