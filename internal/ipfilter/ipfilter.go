// Package ipfilter restricts which source addresses may deliver gateway
// callbacks.
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter holds the allowed prefixes; an empty filter allows everything
type Filter struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// New parses a list of addresses and CIDR ranges. Invalid entries are
// logged and skipped.
func New(allowed []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger.With("component", "ipfilter")}

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		p, err := parseEntry(entry)
		if err != nil {
			f.logger.Warn("invalid entry in webhook_allowed_ips", "entry", entry, "error", err)
			continue
		}
		f.prefixes = append(f.prefixes, p)
	}

	return f
}

func parseEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

// Enabled reports whether any prefix is configured
func (f *Filter) Enabled() bool {
	return len(f.prefixes) > 0
}

// Count returns the number of configured prefixes
func (f *Filter) Count() int {
	return len(f.prefixes)
}

// Allows reports whether addr falls inside a configured prefix
func (f *Filter) Allows(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// remoteAddr parses the host part of r.RemoteAddr. chi's RealIP middleware
// runs earlier in the chain and has already applied forwarding headers.
func remoteAddr(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// HTTPMiddleware rejects requests from addresses outside the filter with 403
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := remoteAddr(r)
		if !ok || !f.Allows(addr) {
			f.logger.Warn("webhook rejected by ip filter", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
