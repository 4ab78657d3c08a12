package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// NewTrustedRealIPMiddleware はRemoteAddrがtrustedに含まれるプロキシの場合だけ、
// 転送ヘッダーからクライアントIPを復元してRemoteAddrを書き換える。
// それ以外の接続元が送ったX-Forwarded-For等は無視する。
//
// X-Forwarded-Forは右から辿り、信頼済みプロキシでない最初のアドレスを採用する。
// 左端はクライアントが自由に書けるため使わない。
func NewTrustedRealIPMiddleware(trusted []netip.Prefix) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peer, ok := parseHostAddr(r.RemoteAddr); ok && isTrusted(peer, trusted) {
				if ip := forwardedClientIP(r.Header, trusted); ip != "" {
					r.RemoteAddr = ip
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClientIP(h http.Header, trusted []netip.Prefix) string {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, ok := parseHostAddr(strings.TrimSpace(hops[i]))
		if !ok {
			// 解釈できない値より左は信用できない
			return ""
		}
		if !isTrusted(addr, trusted) {
			return addr.String()
		}
	}

	if addr, ok := parseHostAddr(strings.TrimSpace(h.Get("X-Real-IP"))); ok {
		return addr.String()
	}
	return ""
}

// parseHostAddr は"host:port"または"host"からIPアドレスを取り出す。
func parseHostAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
