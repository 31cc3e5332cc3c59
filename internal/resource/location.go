package resource

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Options 是构造 Location 时使用的强类型配置，替代任意键值属性表。
type Options struct {
	Name string
	URI  string

	AllowsDownloading bool
	AllowsPublishing  bool
	AllowsStoring     bool
	AllowsSnapshots   bool
	AllowsReleases    bool
	AllowsDeletion    bool

	// Timeout 约束等待进行中传输的时长，同时作为传输任务自身的超时。
	Timeout           time.Duration
	ConnectionTimeout time.Duration
	// CacheTimeout 为缓存副本的最长有效期，0 表示永不过期。
	CacheTimeout time.Duration

	// AltStoragePath 指定该 Location 的独立缓存根目录。
	AltStoragePath string

	Username string
	Password string
	Proxy    string
}

// SimpleOptions 返回一个允许下载/发布/存储/正式版/删除、不允许快照的默认配置。
func SimpleOptions(name, uri string) Options {
	return Options{
		Name:              name,
		URI:               uri,
		AllowsDownloading: true,
		AllowsPublishing:  true,
		AllowsStoring:     true,
		AllowsReleases:    true,
		AllowsDeletion:    true,
	}
}

// Location 描述一个仓库或存储端点。构造后不可变，可被多个 Transfer 共享。
type Location struct {
	opts  Options
	url   *url.URL
	key   string
	proxy *url.URL
}

// NewLocation 校验 URI 并计算身份键。URI 指向同一后端的两个 Location 拥有相同 Key。
func NewLocation(opts Options) (*Location, error) {
	raw := strings.TrimSpace(opts.URI)
	if raw == "" {
		return nil, fmt.Errorf("location %s: uri required", opts.Name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("location %s: invalid uri: %w", opts.Name, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("location %s: uri %q has no scheme", opts.Name, raw)
	}
	if opts.Name == "" {
		opts.Name = canonicalKey(u)
	}

	loc := &Location{opts: opts, url: u, key: canonicalKey(u)}
	if p := strings.TrimSpace(opts.Proxy); p != "" {
		proxyURL, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("location %s: invalid proxy: %w", opts.Name, err)
		}
		loc.proxy = proxyURL
	}
	return loc, nil
}

// MustLocation 在 URI 非法时 panic，仅用于测试与静态配置。
func MustLocation(opts Options) *Location {
	loc, err := NewLocation(opts)
	if err != nil {
		panic(err)
	}
	return loc
}

// canonicalKey 对 scheme/host 做小写处理、清理路径并去掉末尾斜杠，忽略凭证与查询串。
func canonicalKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	p := u.Path
	if p != "" {
		p = path.Clean("/" + p)
		if p == "/" {
			p = ""
		}
	}
	if u.Opaque != "" && p == "" {
		p = u.Opaque
	}
	return scheme + "://" + host + p
}

func (l *Location) Name() string { return l.opts.Name }

// URI 返回配置中的原始 URI。
func (l *Location) URI() string { return l.opts.URI }

// Key 返回身份键，所有 join/lock/cache 键都由它派生。
func (l *Location) Key() string { return l.key }

// URL 返回解析后的 URI 副本。
func (l *Location) URL() *url.URL {
	clone := *l.url
	return &clone
}

func (l *Location) Scheme() string { return strings.ToLower(l.url.Scheme) }

func (l *Location) AllowsDownloading() bool { return l.opts.AllowsDownloading }
func (l *Location) AllowsPublishing() bool  { return l.opts.AllowsPublishing }
func (l *Location) AllowsStoring() bool     { return l.opts.AllowsStoring }
func (l *Location) AllowsSnapshots() bool   { return l.opts.AllowsSnapshots }
func (l *Location) AllowsReleases() bool    { return l.opts.AllowsReleases }
func (l *Location) AllowsDeletion() bool    { return l.opts.AllowsDeletion }

func (l *Location) Timeout() time.Duration           { return l.opts.Timeout }
func (l *Location) ConnectionTimeout() time.Duration { return l.opts.ConnectionTimeout }
func (l *Location) CacheTimeout() time.Duration      { return l.opts.CacheTimeout }
func (l *Location) AltStoragePath() string           { return l.opts.AltStoragePath }

// Credentials 返回上游认证信息，未配置时 ok 为 false。
func (l *Location) Credentials() (user, password string, ok bool) {
	if l.opts.Username == "" || l.opts.Password == "" {
		return "", "", false
	}
	return l.opts.Username, l.opts.Password, true
}

// ProxyURL 返回访问该 Location 时使用的代理，可能为 nil。
func (l *Location) ProxyURL() *url.URL { return l.proxy }

// Options 返回构造时的配置副本。
func (l *Location) Options() Options { return l.opts }

// Equal 按身份键比较，nil 只与 nil 相等。
func (l *Location) Equal(other *Location) bool {
	if l == nil || other == nil {
		return l == other
	}
	return l.key == other.key
}

func (l *Location) String() string {
	return fmt.Sprintf("%s (%s)", l.opts.Name, l.key)
}
