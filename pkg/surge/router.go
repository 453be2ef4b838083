package surge

import (
	"sort"
	"strings"
	"sync"

	"github.com/yourusername/surge/pkg/surge/web"
)

// Router maps (method, path) pairs to handlers with exact matching and an
// O(1) hash lookup. Pattern routes (parameters, wildcards) are out of the
// engine's contract.
type Router struct {
	mu     sync.RWMutex
	routes map[string]web.Handler // key: "METHOD:PATH"
	paths  map[string][]string    // path -> methods, for 405 Allow lists
}

// NewRouter creates an empty route table.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]web.Handler),
		paths:  make(map[string][]string),
	}
}

// Handle registers a handler for an exact method and path.
func (r *Router) Handle(method, path string, h web.Handler) {
	method = strings.ToUpper(method)
	r.mu.Lock()
	defer r.mu.Unlock()
	key := method + ":" + path
	if _, exists := r.routes[key]; !exists {
		r.paths[path] = append(r.paths[path], method)
		sort.Strings(r.paths[path])
	}
	r.routes[key] = h
}

// HandleFunc registers a plain function for an exact method and path.
func (r *Router) HandleFunc(method, path string, h func(*web.Request, web.ResponseHandle)) {
	r.Handle(method, path, web.HandlerFunc(h))
}

// GET registers a GET route.
func (r *Router) GET(path string, h func(*web.Request, web.ResponseHandle)) {
	r.HandleFunc("GET", path, h)
}

// POST registers a POST route.
func (r *Router) POST(path string, h func(*web.Request, web.ResponseHandle)) {
	r.HandleFunc("POST", path, h)
}

// PUT registers a PUT route.
func (r *Router) PUT(path string, h func(*web.Request, web.ResponseHandle)) {
	r.HandleFunc("PUT", path, h)
}

// DELETE registers a DELETE route.
func (r *Router) DELETE(path string, h func(*web.Request, web.ResponseHandle)) {
	r.HandleFunc("DELETE", path, h)
}

// Lookup resolves a handler. When the path exists under other methods the
// allowed list is returned for the 405 response.
func (r *Router) Lookup(method, path string) (web.Handler, []string, bool) {
	// The request target may carry a query component; routing ignores it.
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.routes[method+":"+path]; ok {
		return h, nil, true
	}
	if methods, ok := r.paths[path]; ok {
		return nil, methods, false
	}
	return nil, nil, false
}
