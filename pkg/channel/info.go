package channel

import (
	"sort"
	"strings"
	"sync"
)

// Info is the read-only configuration echo a channel publishes after open,
// addressed by dotted keys such as "local.host" or "remote.port". It is
// cleared when the channel is opened again.
type Info struct {
	lock  sync.RWMutex
	props Props
}

// Get returns the value for key.
func (i *Info) Get(key string) (string, bool) {
	i.lock.RLock()
	defer i.lock.RUnlock()
	v, ok := i.props[key]
	return v, ok
}

// Keys returns every key in lexicographic order.
func (i *Info) Keys() []string {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.props.Keys()
}

// Sub returns a snapshot of the keys under prefix, with the prefix stripped.
func (i *Info) Sub(prefix string) Props {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.props.Sub(prefix)
}

// Snapshot returns a copy of every key.
func (i *Info) Snapshot() Props {
	i.lock.RLock()
	defer i.lock.RUnlock()
	return i.props.Clone()
}

func (i *Info) set(key, value string) {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.props == nil {
		i.props = make(Props)
	}
	i.props[key] = value
}

func (i *Info) reset() {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.props = nil
}

func (i *Info) String() string {
	snap := i.Snapshot()
	var parts []string
	for _, k := range snap.Keys() {
		parts = append(parts, k+"="+snap[k])
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
