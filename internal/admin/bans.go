package admin

import (
	"net"
	"sort"
	"strings"
	"sync"
)

// Ban is one persisted ban.
type Ban struct {
	Name   string `msgpack:"name"`
	Host   string `msgpack:"host"`
	Reason string `msgpack:"reason"`
	AtMs   uint64 `msgpack:"at"`
}

// BanList matches joining peers by display name or remote host.
type BanList struct {
	mu     sync.RWMutex
	byName map[string]Ban
	byHost map[string]Ban
	dirty  bool
}

// NewBanList returns an empty list.
func NewBanList() *BanList {
	return &BanList{byName: make(map[string]Ban), byHost: make(map[string]Ban)}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Add records b.
func (l *BanList) Add(b Ban) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if name := strings.ToLower(strings.TrimSpace(b.Name)); name != "" {
		l.byName[name] = b
	}
	if b.Host != "" {
		l.byHost[b.Host] = b
	}
	l.dirty = true
}

// Remove lifts every ban matching name or host.
func (l *BanList) Remove(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := false
	lower := strings.ToLower(strings.TrimSpace(key))
	for name, b := range l.byName {
		if name == lower || b.Host == key {
			delete(l.byName, name)
			removed = true
		}
	}
	for host, b := range l.byHost {
		if host == key || strings.ToLower(b.Name) == lower {
			delete(l.byHost, host)
			removed = true
		}
	}
	if removed {
		l.dirty = true
	}
	return removed
}

// Banned reports whether a joining peer matches a ban. It fits
// connection.WithBanCheck.
func (l *BanList) Banned(addr net.Addr, name string) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]; ok && name != "" {
		return true
	}
	if addr == nil {
		return false
	}
	host := hostOf(addr.String())
	_, ok := l.byHost[host]
	return ok && host != ""
}

// List returns every ban once, ordered by name then host.
func (l *BanList) List() []Ban {
	l.mu.RLock()
	seen := make(map[Ban]bool)
	var out []Ban
	for _, b := range l.byName {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	for _, b := range l.byHost {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Host < out[j].Host
	})
	return out
}

// Replace swaps the list for restored bans.
func (l *BanList) Replace(bans []Ban) {
	l.mu.Lock()
	l.byName = make(map[string]Ban, len(bans))
	l.byHost = make(map[string]Ban, len(bans))
	l.mu.Unlock()
	for _, b := range bans {
		l.Add(b)
	}
	l.mu.Lock()
	l.dirty = false
	l.mu.Unlock()
}

// TakeDirty reports and clears the changed flag.
func (l *BanList) TakeDirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.dirty
	l.dirty = false
	return d
}
