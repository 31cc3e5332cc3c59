package transport

import (
	"net"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/any-hub/galley/internal/resource"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// clientPool 为每个 Location 维护一个 http.Client：代理与连接超时按 Location 配置，
// 整体超时交给任务的 context 控制。
type clientPool struct {
	base    *http.Client
	clients *xsync.Map[string, *http.Client]
}

func newClientPool(base *http.Client) *clientPool {
	return &clientPool{base: base, clients: xsync.NewMap[string, *http.Client]()}
}

func (p *clientPool) client(loc *resource.Location) *http.Client {
	if p.base != nil {
		return p.base
	}
	if loc == nil {
		return &http.Client{Transport: defaultTransport}
	}
	if c, ok := p.clients.Load(loc.Key()); ok {
		return c
	}
	c, _ := p.clients.LoadOrStore(loc.Key(), newLocationClient(loc))
	return c
}

func newLocationClient(loc *resource.Location) *http.Client {
	tr := defaultTransport.Clone()
	if proxy := loc.ProxyURL(); proxy != nil {
		tr.Proxy = http.ProxyURL(proxy)
	}
	if ct := loc.ConnectionTimeout(); ct > 0 {
		tr.DialContext = (&net.Dialer{Timeout: ct, KeepAlive: 30 * time.Second}).DialContext
		tr.TLSHandshakeTimeout = ct
	}
	return &http.Client{Transport: tr}
}
