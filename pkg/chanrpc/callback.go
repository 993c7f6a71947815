package chanrpc

import (
	"strconv"
	"strings"
)

// Callback is the explicit sum-type member design note §9 calls for: rather
// than mutating an arbitrary object graph to detect "this leaf happens to be
// callable," an application embeds a Callback value in the params tree it
// passes to Call, and chanrpc recognizes exactly that type when walking the
// tree.
//
// On the receiving side, chanrpc installs a synthetic Callback at the same
// path that invokes Transaction.Invoke when called.
type Callback func(args interface{})

const pathSeparator = "/"

// extractCallbacks walks v (built from nested map[string]interface{} and
// []interface{}, as produced by an application assembling Call params)
// looking for Callback leaves, per §4.2 step 1. Each one found is recorded
// under its slash-joined path and removed from the returned pruned copy.
// Arrays are walked as objects, their indices serving as path components.
func extractCallbacks(v interface{}) (pruned interface{}, callbacks map[string]Callback) {
	callbacks = make(map[string]Callback)
	pruned = extractWalk(v, "", callbacks)
	return pruned, callbacks
}

func extractWalk(v interface{}, path string, out map[string]Callback) interface{} {
	switch t := v.(type) {
	case Callback:
		out[path] = t
		return nil
	case map[string]interface{}:
		pruned := make(map[string]interface{}, len(t))
		for k, child := range t {
			childPath := joinPath(path, k)
			if cb, ok := child.(Callback); ok {
				out[childPath] = cb
				continue
			}
			pruned[k] = extractWalk(child, childPath, out)
		}
		return pruned
	case []interface{}:
		// Unlike a map key, an array index cannot simply be omitted without
		// shifting every later element's position out from under its
		// recorded path -- a callback found at index i leaves a nil in its
		// place so the slice keeps its original length and indices.
		pruned := make([]interface{}, len(t))
		for i, child := range t {
			childPath := joinPath(path, strconv.Itoa(i))
			if cb, ok := child.(Callback); ok {
				out[childPath] = cb
				pruned[i] = nil
				continue
			}
			pruned[i] = extractWalk(child, childPath, out)
		}
		return pruned
	default:
		return v
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + pathSeparator + key
}

// installCallbacks rebuilds synthetic Callback proxies at each declared
// path inside params (§4.3 step 2). Each proxy, when invoked, calls invoke
// with its own path and the argument it was called with. The tree structure
// leading to each path is created as needed, since the sender removed the
// original callable (and nothing else) from that location.
func installCallbacks(params interface{}, paths []string, invoke func(path string, args interface{}) error) interface{} {
	if len(paths) == 0 {
		return params
	}
	root := toContainer(params)
	for _, p := range paths {
		path := p
		cb := Callback(func(args interface{}) {
			_ = invoke(path, args)
		})
		setAtPath(root, strings.Split(p, pathSeparator), cb)
	}
	return root
}

// toContainer substitutes an empty map for nil params, so a callback path
// can be installed even when the sender's pruned payload was nil (e.g. the
// whole params value was itself a callable). A non-nil value is returned
// unchanged, even when it is not an object.
func toContainer(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}

func setAtPath(root interface{}, segments []string, leaf Callback) {
	cur := root
	for i, seg := range segments {
		last := i == len(segments)-1
		switch c := cur.(type) {
		case map[string]interface{}:
			if last {
				c[seg] = leaf
				return
			}
			next, ok := c[seg]
			if !ok || !isContainer(next) {
				next = map[string]interface{}{}
				c[seg] = next
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				// The sender's array wasn't preserved at the expected
				// length; nothing sane to attach to.
				return
			}
			if last {
				c[idx] = leaf
				return
			}
			next := c[idx]
			if !isContainer(next) {
				next = map[string]interface{}{}
				c[idx] = next
			}
			cur = next
		default:
			// Path addresses something that isn't a container (e.g. a
			// scalar sibling survived pruning); nothing sane to attach to.
			return
		}
	}
}

func isContainer(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return true
	default:
		return false
	}
}

// callbackPaths returns the path list for an outbound transaction's
// callback map, the value that goes in frame.Callbacks. The order follows
// map iteration and is not defined.
func callbackPaths(m map[string]Callback) []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	return paths
}
