// Package admission decides which network peers may open a relay session.
//
// The allow-list is either "*" (every peer) or one or more CIDR blocks
// separated by commas. It can be replaced at runtime with Set, or kept in
// sync with a file through WatchFile.
package admission

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/teslashibe/framerelay/internal/log"
)

// AnyPeer allows every address.
const AnyPeer = "*"

// Errors returned by the filter.
var (
	ErrEmptyAllowList = errors.New("admission: empty allow-list")
	ErrBadPrefix      = errors.New("admission: invalid CIDR")
)

// allowList is an immutable parsed allow-list.
type allowList struct {
	spec     string
	any      bool
	prefixes []netip.Prefix
}

func parseAllowList(spec string) (*allowList, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, ErrEmptyAllowList
	}
	if spec == AnyPeer {
		return &allowList{spec: spec, any: true}, nil
	}

	l := &allowList{spec: spec}
	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if field == AnyPeer {
			l.any = true
			continue
		}
		p, err := parsePrefix(field)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrBadPrefix, field, err)
		}
		l.prefixes = append(l.prefixes, p)
	}
	if !l.any && len(l.prefixes) == 0 {
		return nil, ErrEmptyAllowList
	}
	return l, nil
}

// parsePrefix accepts a CIDR block or a bare address, which is treated as a
// single-host block.
func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	if p.Addr().Is4In6() {
		p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
	}
	return p.Masked(), nil
}

func (l *allowList) contains(addr netip.Addr) bool {
	if l.any {
		return true
	}
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Filter checks peer addresses against the current allow-list.
// It is safe for concurrent use.
type Filter struct {
	list atomic.Pointer[allowList]
	log  *slog.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the filter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) {
		if l != nil {
			f.log = l
		}
	}
}

// New creates a filter from an allow-list such as "*" or
// "10.0.0.0/8,192.168.1.0/24".
func New(spec string, opts ...Option) (*Filter, error) {
	f := &Filter{log: log.L()}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "admission")
	if err := f.Set(spec); err != nil {
		return nil, err
	}
	return f, nil
}

// Set replaces the allow-list. On error the previous list stays active.
func (f *Filter) Set(spec string) error {
	l, err := parseAllowList(spec)
	if err != nil {
		return err
	}
	f.list.Store(l)
	f.log.Info("allow-list updated", "allowed", l.spec)
	return nil
}

// String returns the active allow-list.
func (f *Filter) String() string {
	if l := f.list.Load(); l != nil {
		return l.spec
	}
	return ""
}

// Allow reports whether addr may connect. addr may carry a port and IPv6
// brackets. Unparseable addresses are rejected.
func (f *Filter) Allow(addr string) bool {
	l := f.list.Load()
	if l == nil {
		return false
	}
	ip, err := ParseAddr(addr)
	if err != nil {
		f.log.Warn("cannot parse peer address", "addr", addr, "error", err)
		return false
	}
	return l.contains(ip)
}

// ParseAddr parses a peer address with or without a port.
func ParseAddr(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

// PeerAddr returns the address a request should be judged by: the first
// entry of the X-Forwarded-For header when present, otherwise the socket
// address.
func PeerAddr(forwardedFor, remote string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return remote
}
