package registry

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
)

var ErrNoHandler = errors.New("registry: no handler for kind")

// Handler receives the raw encoded frame for one routed kind.
type Handler interface {
	Invoke(raw []byte)
}

type HandlerFunc func(raw []byte)

func (f HandlerFunc) Invoke(raw []byte) {
	f(raw)
}

// HandlerFault is a recovered handler panic.
type HandlerFault struct {
	Kind      string
	Recovered any
	Stack     []byte
}

func (f *HandlerFault) Error() string {
	return fmt.Sprintf("registry: handler for kind %q panicked: %v", f.Kind, f.Recovered)
}

// Registry maps kind -> handler. Lookup and Register are safe from any
// goroutine; handlers run outside the registry lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register inserts or replaces the handler for kind.
func (r *Registry) Register(kind string, h Handler) {
	key := strings.TrimSpace(kind)
	if key == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

func (r *Registry) RegisterFunc(kind string, fn func(raw []byte)) {
	if fn == nil {
		return
	}
	r.Register(kind, HandlerFunc(fn))
}

func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.TrimSpace(kind)]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		out = append(out, kind)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Dispatch invokes the handler for kind. A panicking handler is
// recovered and reported as *HandlerFault.
func (r *Registry) Dispatch(kind string, raw []byte) (err error) {
	h, ok := r.Lookup(kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, kind)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = &HandlerFault{Kind: kind, Recovered: rec, Stack: debug.Stack()}
		}
	}()
	h.Invoke(raw)
	return nil
}
