// Package transport defines how galley talks to remote Locations. A Transport
// claims Locations (usually by URI scheme) and creates jobs; jobs are plain
// values executed by the transfer manager, which owns joining, pooling and
// timeouts. Implementations for file:// and http(s):// live here too.
package transport

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/resource"
)

// DownloadJob 把远端内容写入目标 Transfer。远端不存在时返回 (nil, nil)。
type DownloadJob interface {
	Call(ctx context.Context) (*cache.Transfer, error)
}

// PublishJob 把内容上传到远端，返回远端是否接受。
type PublishJob interface {
	Call(ctx context.Context) (bool, error)
}

// ExistenceJob 询问远端资源是否存在。
type ExistenceJob interface {
	Call(ctx context.Context) (bool, error)
}

// Transport 为其负责的 Location 创建任务。
type Transport interface {
	Name() string
	Handles(loc *resource.Location) bool
	CreateDownloadJob(rawURL string, loc *resource.Location, target *cache.Transfer) (DownloadJob, error)
	CreatePublishJob(rawURL string, loc *resource.Location, body io.Reader, length int64, contentType string) (PublishJob, error)
	CreateExistenceJob(rawURL string, loc *resource.Location) (ExistenceJob, error)
}

// URL 把资源路径拼接到 Location 的 URI 之后，得到任务与去重使用的远端地址。
func URL(r resource.ConcreteResource) (string, error) {
	loc := r.Location()
	if loc == nil || loc.URL() == nil {
		return "", galleyerrors.E(galleyerrors.Invalid, "transport.url", "resource %s has no location", r.Path())
	}
	u := *loc.URL()
	if u.Scheme == "" {
		return "", galleyerrors.E(galleyerrors.Invalid, "transport.url", "location %s has no scheme", loc.Name())
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	joined := path.Join("/", u.Path, r.Path())
	if r.IsRoot() && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	u.Path = joined
	u.RawPath = ""
	return u.String(), nil
}

// ParseURL 解析任务地址，失败时返回 Invalid。
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, galleyerrors.Wrap(galleyerrors.Invalid, "transport.url", err, "malformed url").WithURL(rawURL)
	}
	return u, nil
}

func locationName(loc *resource.Location) string {
	if loc == nil {
		return ""
	}
	return loc.Name()
}
