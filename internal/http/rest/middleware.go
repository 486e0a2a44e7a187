package rest

import (
	"net"
	"net/http"

	"github.com/italolelis/transferd/internal/logctx"
)

// LoopbackOnly rejects requests that did not originate from this machine.
func LoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		if !isLoopbackHost(host) {
			logctx.LoggerFromContext(r.Context()).Warn("rejected non-loopback request", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}
