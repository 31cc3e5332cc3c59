package lock

import (
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// DefaultNodeID 依次尝试首个非回环 IPv4 地址、主机名，最后退回随机 UUID。
func DefaultNodeID() string {
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	return uuid.NewString()
}
