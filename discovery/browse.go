package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ErrNoBackend is returned when a browse window ends without a usable backend.
var ErrNoBackend = errors.New("discovery: no backend found")

// Backend is one discovered development backend endpoint.
type Backend struct {
	Instance  string
	Version   int
	PushPath  string
	HostName  string
	Port      int
	Addresses []string
}

// Host returns the address clients should dial.
func (b Backend) Host() string {
	host := strings.TrimSuffix(b.HostName, ".")
	if len(b.Addresses) > 0 {
		host = b.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(b.Port))
}

// APIURL returns the REST base URL.
func (b Backend) APIURL() string {
	return "http://" + b.Host()
}

// PushURL returns the websocket endpoint.
func (b Backend) PushURL() string {
	path := b.PushPath
	if path == "" {
		path = DefaultPushPath
	}
	return "ws://" + b.Host() + path
}

// Browse scans for backends during one ScanTimeout window. Entries with another
// protocol version are ignored.
func Browse(ctx context.Context, config Config) ([]Backend, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Backend)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				backend, ok := parseEntry(entry, cfg.Version)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[backend.Instance] = backend
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone
	for drained := false; !drained; {
		select {
		case entry := <-entries:
			if entry == nil {
				continue
			}
			if backend, ok := parseEntry(entry, cfg.Version); ok {
				collected[backend.Instance] = backend
			}
		default:
			drained = true
		}
	}

	// a timeout just means the scan window ended
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]Backend, 0, len(collected))
	for _, backend := range collected {
		out = append(out, backend)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

// FindBackend returns the first backend found, or ErrNoBackend.
func FindBackend(ctx context.Context, config Config) (Backend, error) {
	backends, err := Browse(ctx, config)
	if err != nil {
		return Backend{}, err
	}
	if len(backends) == 0 {
		return Backend{}, ErrNoBackend
	}
	return backends[0], nil
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (Backend, bool) {
	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	if version != wantVersion || entry.Port <= 0 {
		return Backend{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range entry.AddrIPv4 {
		addresses = appendAddress(addresses, seen, ip)
	}
	sort.Strings(addresses)
	v6 := make([]string, 0, len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv6 {
		v6 = appendAddress(v6, seen, ip)
	}
	sort.Strings(v6)
	addresses = append(addresses, v6...)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" && len(addresses) == 0 {
		return Backend{}, false
	}

	return Backend{
		Instance:  name,
		Version:   version,
		PushPath:  txt["path"],
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func appendAddress(out []string, seen map[string]struct{}, ip net.IP) []string {
	if ip == nil {
		return out
	}
	raw := ip.String()
	if raw == "" {
		return out
	}
	if _, exists := seen[raw]; exists {
		return out
	}
	seen[raw] = struct{}{}
	return append(out, raw)
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
