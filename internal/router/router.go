// Package router wraps http.ServeMux with middleware chaining.
package router

import (
	"io/fs"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Router registers method-scoped routes on a shared http.ServeMux.
//
// Route middleware (New, Group and per-route) runs after the mux has matched,
// so r.Pattern and r.PathValue are available to it. Middleware added with Use
// wraps the whole mux and also sees requests that match no route, such as
// CORS preflights.
type Router struct {
	root  *root
	chain []Middleware
}

type root struct {
	mux   *http.ServeMux
	outer []Middleware

	once    sync.Once
	handler http.Handler
}

// New creates a new Router with optional route middleware
func New(middleware ...Middleware) *Router {
	return &Router{
		root:  &root{mux: http.NewServeMux()},
		chain: middleware,
	}
}

// Use adds middleware around the whole mux. It must be called before the
// first request is served.
func (r *Router) Use(middleware ...Middleware) {
	r.root.outer = append(r.root.outer, middleware...)
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.root.once.Do(func() {
		r.root.handler = chain(r.root.mux, r.root.outer)
	})
	r.root.handler.ServeHTTP(w, req)
}

// Get registers a GET route
func (r *Router) Get(pattern string, handler http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodGet, pattern, handler, middleware...)
}

// Post registers a POST route
func (r *Router) Post(pattern string, handler http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodPost, pattern, handler, middleware...)
}

// Put registers a PUT route
func (r *Router) Put(pattern string, handler http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodPut, pattern, handler, middleware...)
}

// Delete registers a DELETE route
func (r *Router) Delete(pattern string, handler http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodDelete, pattern, handler, middleware...)
}

// Handle registers a route with explicit method
func (r *Router) Handle(method, pattern string, handler http.Handler, middleware ...Middleware) {
	r.root.mux.Handle(method+" "+pattern, chain(handler, append(slices.Clone(r.chain), middleware...)))
}

// Group creates a sub-router with additional middleware
func (r *Router) Group(middleware ...Middleware) *Router {
	return &Router{
		root:  r.root,
		chain: append(slices.Clone(r.chain), middleware...),
	}
}

// NotFound registers handler for every path no other route claims.
func (r *Router) NotFound(handler http.HandlerFunc) {
	r.root.mux.Handle("/", chain(handler, r.chain))
}

// Static serves files from fsys under the given route prefix.
func (r *Router) Static(prefix string, fsys fs.FS) {
	cleanPrefix := strings.TrimSuffix(prefix, "/")
	handler := http.StripPrefix(cleanPrefix, http.FileServerFS(fsys))
	r.root.mux.Handle("GET "+cleanPrefix+"/{file...}", chain(handler, r.chain))
}

// chain applies middleware so they execute in the order given.
func chain(handler http.Handler, middleware []Middleware) http.Handler {
	for _, m := range slices.Backward(middleware) {
		handler = m(handler)
	}
	return handler
}
