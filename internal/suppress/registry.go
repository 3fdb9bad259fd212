// Package suppress keeps the set of address ranges a program has declared
// as benign races, so the detector can stay quiet about them.
//
// Declarations live for the whole process. Declaring the same range twice
// bumps its add count instead of creating a second entry; ranges that only
// overlap are kept apart. A lookup returns the most recently declared
// entry that overlaps the queried bytes and counts the hit.
//
// Thread Safety: all Registry methods are safe for concurrent use.
// Declarations take the write lock; lookups share the read lock and bump
// counters atomically.
package suppress

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxDescLen is the size of the description buffer of one entry. One byte
// is reserved for the terminator, so at most MaxDescLen-1 bytes are kept.
const MaxDescLen = 128

// Range is the half-open byte interval [Addr, Addr+Size).
type Range struct {
	Addr uintptr
	Size uintptr
}

// End returns the first address past r, saturating at the top of the
// address space.
func (r Range) End() uintptr {
	end := r.Addr + r.Size
	if end < r.Addr {
		return ^uintptr(0)
	}
	return end
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return max(r.Addr, o.Addr) < min(r.End(), o.End())
}

// Origin names the source location that declared a range.
type Origin struct {
	File string
	Line int
	Desc string
}

// Entry is a point-in-time copy of one declaration.
type Entry struct {
	Addr     uintptr `json:"addr" yaml:"addr"`
	Size     uintptr `json:"size" yaml:"size"`
	File     string  `json:"file" yaml:"file"`
	Line     int     `json:"line" yaml:"line"`
	Desc     string  `json:"desc" yaml:"desc"`
	HitCount int64   `json:"hit_count" yaml:"hit_count"`
	AddCount int64   `json:"add_count" yaml:"add_count"`
}

// Range returns the declared interval of e.
func (e Entry) Range() Range { return Range{Addr: e.Addr, Size: e.Size} }

// handle indexes the node arena; 0 is the list head.
type handle uint32

type node struct {
	rng    Range
	origin Origin
	hits   atomic.Int64
	adds   atomic.Int64
	next   handle
}

func (n *node) entry() Entry {
	return Entry{
		Addr:     n.rng.Addr,
		Size:     n.rng.Size,
		File:     n.origin.File,
		Line:     n.origin.Line,
		Desc:     n.origin.Desc,
		HitCount: n.hits.Load(),
		AddCount: n.adds.Load(),
	}
}

const chunkSize = 64

// arena hands out nodes that never move once allocated.
type arena struct {
	chunks []*[chunkSize]node
	n      int
}

func (a *arena) alloc() (handle, *node) {
	if a.n%chunkSize == 0 {
		a.chunks = append(a.chunks, new([chunkSize]node))
	}
	a.n++
	h := handle(a.n)
	return h, a.at(h)
}

func (a *arena) at(h handle) *node {
	i := int(h) - 1
	return &a.chunks[i/chunkSize][i%chunkSize]
}

// Registry holds benign race declarations.
type Registry struct {
	mu      sync.RWMutex
	nodes   arena
	head    handle
	enabled atomic.Bool
	log     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger makes the registry log declarations and hits at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithAnnotations sets whether annotation calls are honoured initially.
func WithAnnotations(enabled bool) Option {
	return func(r *Registry) { r.enabled.Store(enabled) }
}

// New returns an empty registry with annotations enabled.
func New(opts ...Option) *Registry {
	r := &Registry{log: slog.New(slog.DiscardHandler)}
	r.enabled.Store(true)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Insert records rng as a benign race. An entry with the same address and
// size absorbs the declaration; Insert then returns false. Otherwise a new
// entry becomes the first one searched and Insert returns true.
func (r *Registry) Insert(rng Range, origin Origin) bool {
	origin.Desc = truncateDesc(origin.Desc)

	r.mu.Lock()
	defer r.mu.Unlock()

	for h := r.head; h != 0; {
		n := r.nodes.at(h)
		if n.rng == rng {
			n.adds.Add(1)
			return false
		}
		h = n.next
	}

	h, n := r.nodes.alloc()
	n.rng = rng
	n.origin = origin
	n.adds.Store(1)
	n.next = r.head
	r.head = h
	return true
}

// Query returns the first entry overlapping [addr, addr+size) and counts
// a hit on it. The returned copy already includes that hit.
func (r *Registry) Query(addr, size uintptr) (Entry, bool) {
	q := Range{Addr: addr, Size: size}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for h := r.head; h != 0; {
		n := r.nodes.at(h)
		if n.rng.Overlaps(q) {
			n.hits.Add(1)
			e := n.entry()
			r.log.Debug("hit expected/benign race",
				slog.String("desc", e.Desc),
				slog.String("addr", fmt.Sprintf("%#x", addr)),
				slog.Uint64("size", uint64(size)),
				slog.String("file", e.File),
				slog.Int("line", e.Line))
			return e, true
		}
		h = n.next
	}
	return Entry{}, false
}

// Len returns the number of distinct entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes.n
}

// Snapshot copies every entry, most recent first.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, r.nodes.n)
	for h := r.head; h != 0; {
		n := r.nodes.at(h)
		out = append(out, n.entry())
		h = n.next
	}
	return out
}

// Matched returns the entries that suppressed at least one report,
// ordered by hit count, highest first. Ties keep declaration recency.
func (r *Registry) Matched() []Entry {
	out := slices.DeleteFunc(r.Snapshot(), func(e Entry) bool { return e.HitCount == 0 })
	slices.SortStableFunc(out, func(a, b Entry) int { return cmp.Compare(b.HitCount, a.HitCount) })
	return out
}

// WriteSummary prints the matched entries. Nothing is written when no
// declaration was hit.
func (r *Registry) WriteSummary(w io.Writer) error {
	matched := r.Matched()
	if len(matched) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "ThreadSanitizer: Matched %d \"benign\" races:\n", len(matched)); err != nil {
		return err
	}
	for _, e := range matched {
		if _, err := fmt.Fprintf(w, "%d %s:%d %s\n", e.HitCount, e.File, e.Line, e.Desc); err != nil {
			return err
		}
	}
	return nil
}

// truncateDesc normalizes s to NFC and keeps at most MaxDescLen-1 bytes
// without splitting a UTF-8 sequence.
func truncateDesc(s string) string {
	s = norm.NFC.String(s)
	if len(s) < MaxDescLen {
		return s
	}
	cut := MaxDescLen - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
