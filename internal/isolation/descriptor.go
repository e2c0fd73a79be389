// Package isolation describes the execution environment a caller requires
// for its work actions and decides whether a running worker can serve it.
package isolation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidDescriptor = errors.New("isolation: invalid descriptor")

// KeepAlive governs whether a worker may be reused after one action.
type KeepAlive string

const (
	// KeepAliveNone marks a single-use worker. It is never offered to a
	// second request.
	KeepAliveNone KeepAlive = "none"
	// KeepAliveSession keeps the worker alive for the current build session.
	KeepAliveSession KeepAlive = "session"
	// KeepAliveDaemon keeps the worker alive indefinitely.
	KeepAliveDaemon KeepAlive = "daemon"
)

func (k KeepAlive) valid() bool {
	switch k {
	case KeepAliveNone, KeepAliveSession, KeepAliveDaemon:
		return true
	}
	return false
}

// rank orders keep-alive modes from most restrictive to least. A worker can
// only serve requests at or below its own rank, and a single-use worker
// serves nothing after it exists.
func (k KeepAlive) rank() int {
	switch k {
	case KeepAliveSession:
		return 1
	case KeepAliveDaemon:
		return 2
	}
	return 0
}

// Descriptor is the immutable environment demanded by one submission:
// classpath entries in declaration order, process arguments, environment
// overrides, and the reuse policy. Callers build one per request and never
// mutate it afterwards.
type Descriptor struct {
	Classpath   []string
	ProcessArgs []string
	Env         map[string]string
	KeepAlive   KeepAlive
}

// WithDefaults normalizes a descriptor: empty keep-alive becomes session
// scope, entries are trimmed, blank entries dropped.
func (d Descriptor) WithDefaults() Descriptor {
	if d.KeepAlive == "" {
		d.KeepAlive = KeepAliveSession
	}
	d.Classpath = normalizeEntries(d.Classpath)
	d.ProcessArgs = normalizeEntries(d.ProcessArgs)
	return d
}

// Validate rejects descriptors the pool cannot act on.
func (d Descriptor) Validate() error {
	if !d.KeepAlive.valid() {
		return fmt.Errorf("%w: unknown keep-alive mode %q", ErrInvalidDescriptor, d.KeepAlive)
	}
	for i, entry := range d.Classpath {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("%w: blank classpath entry at %d", ErrInvalidDescriptor, i)
		}
	}
	return nil
}

// Clone returns a deep copy so pool-held descriptors cannot alias caller
// slices.
func (d Descriptor) Clone() Descriptor {
	out := Descriptor{KeepAlive: d.KeepAlive}
	if d.Classpath != nil {
		out.Classpath = append([]string(nil), d.Classpath...)
	}
	if d.ProcessArgs != nil {
		out.ProcessArgs = append([]string(nil), d.ProcessArgs...)
	}
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	return out
}

func (d Descriptor) String() string {
	return fmt.Sprintf("descriptor{keep_alive=%s classpath=%d args=%d env=%d}",
		d.KeepAlive, len(d.Classpath), len(d.ProcessArgs), len(d.Env))
}

func normalizeEntries(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := make([]string, 0, len(in))
	for _, entry := range in {
		v := strings.TrimSpace(entry)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Compatible reports whether a worker holding descriptor offered may serve a
// request demanding descriptor required. The relation is directional: a
// broader worker serves a narrower request, never the reverse.
//
//   - offered's classpath must contain required's entries in the same
//     relative order (an ordered subsequence),
//   - process arguments must be equal as sets,
//   - offered's keep-alive rank must be at least required's, and a
//     single-use worker is never offered again.
//
// Pure function of the two descriptors; no side effects.
func Compatible(required, offered Descriptor) bool {
	if offered.KeepAlive == KeepAliveNone {
		return false
	}
	if offered.KeepAlive.rank() < required.KeepAlive.rank() {
		return false
	}
	if !orderedSubsequence(required.Classpath, offered.Classpath) {
		return false
	}
	return sameArgSet(required.ProcessArgs, offered.ProcessArgs)
}

// orderedSubsequence reports whether every entry of want appears in have,
// preserving want's relative order.
func orderedSubsequence(want, have []string) bool {
	i := 0
	for _, entry := range have {
		if i == len(want) {
			break
		}
		if entry == want[i] {
			i++
		}
	}
	return i == len(want)
}

// sameArgSet compares argument lists as sets: order and duplicates are
// irrelevant, only membership counts.
func sameArgSet(a, b []string) bool {
	as := dedupeSorted(a)
	bs := dedupeSorted(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func dedupeSorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 0
	for i, v := range out {
		if i > 0 && v == out[n-1] {
			continue
		}
		out[n] = v
		n++
	}
	return out[:n]
}
