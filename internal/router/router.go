// Package router dispatches a parsed request to a handler by matching
// the URL against a radix tree of registered routes, with support for
// single-segment :param captures (used by /uploads/<stored> and
// similar). Static segments are tried before param segments at each
// level, matching the reference trie's two-pass scan.
package router

import (
	"strings"

	"github.com/kfcemployee/goserver/internal/httpconn"
)

// Handler processes a fully-parsed request and assembles the response
// into c (via BuildResponse); it does not itself drive the write loop.
// params carries any :name captures from the matched route.
type Handler func(c *httpconn.Conn, params []Param)

// Param is one captured path segment.
type Param struct {
	Key, Value string
}

// node is one radix-tree node. Children are kept in a flat slice for
// locality; a handful of routes per level never justifies a map.
type node struct {
	prefix  string
	ch      []node
	handler Handler
	isParam bool
}

// Router holds the route tree plus a legacy alias table for short
// numeric paths ("/5" -> "/uploads/list" and similar).
type Router struct {
	root    node
	aliases map[string]string
}

// New returns an empty Router.
func New() *Router {
	return &Router{aliases: make(map[string]string)}
}

// Alias maps a short legacy path to a canonical one; matching resolves
// aliases before walking the tree.
func (r *Router) Alias(short, canonical string) {
	r.aliases[short] = canonical
}

// Handle registers h for path, which may contain :name segments.
func (r *Router) Handle(path string, h Handler) {
	r.root.insert(path, h)
}

// Match resolves path to a handler and its captured params, applying
// the alias table first. ok is false on no match (the caller answers
// with a static-file lookup or 404).
func (r *Router) Match(path string) (Handler, []Param, bool) {
	if canonical, ok := r.aliases[path]; ok {
		path = canonical
	}
	var params []Param
	h := r.root.find(path, &params)
	return h, params, h != nil
}

func (n *node) insert(path string, h Handler) {
	path = strings.TrimPrefix(path, "/")
	cur := n
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		isParam := strings.HasPrefix(seg, ":")
		prefix := seg
		if isParam {
			prefix = seg[1:]
		}

		idx := -1
		for i := range cur.ch {
			if cur.ch[i].prefix == prefix {
				idx = i
				break
			}
		}
		if idx == -1 {
			cur.ch = append(cur.ch, node{prefix: prefix, isParam: isParam})
			idx = len(cur.ch) - 1
		}
		cur = &cur.ch[idx]
	}
	cur.handler = h
}

func (n *node) find(path string, params *[]Param) Handler {
	path = strings.TrimPrefix(path, "/")
	return n.match(path, params)
}

func (n *node) match(path string, params *[]Param) Handler {
	if path == "" {
		return n.handler
	}

	for i := range n.ch {
		c := &n.ch[i]
		if c.isParam {
			continue
		}
		if strings.HasPrefix(path, c.prefix) {
			rem := path[len(c.prefix):]
			if rem == "" || rem[0] == '/' {
				if h := c.match(strings.TrimPrefix(rem, "/"), params); h != nil {
					return h
				}
			}
		}
	}

	for i := range n.ch {
		c := &n.ch[i]
		if !c.isParam {
			continue
		}
		end := strings.IndexByte(path, '/')
		var seg, rem string
		if end == -1 {
			seg, rem = path, ""
		} else {
			seg, rem = path[:end], path[end+1:]
		}
		mark := len(*params)
		*params = append(*params, Param{Key: c.prefix, Value: seg})
		if h := c.match(rem, params); h != nil {
			return h
		}
		*params = (*params)[:mark]
	}

	return nil
}
