package protocol

import "strings"

// Well-known MCP method names the gateway treats specially.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodCallBatch   = "tools/call_batch"
)

// MethodSet is a set of JSON-RPC method names. A trailing "/*" entry matches
// any method under that prefix (e.g. "notifications/*").
type MethodSet map[string]bool

// NewMethodSet builds a MethodSet from a list of method names.
func NewMethodSet(methods []string) MethodSet {
	set := make(MethodSet, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return set
}

// DefaultFreeMethods returns the methods that bypass admission: protocol
// lifecycle and discovery. tools/list is free but its result is still
// ACL-filtered for the calling key.
func DefaultFreeMethods() MethodSet {
	return NewMethodSet([]string{
		MethodInitialize,
		MethodInitialized,
		MethodPing,
		"notifications/*",
		MethodToolsList,
		"resources/list",
		"prompts/list",
	})
}

// Contains reports whether the method is in the set, honoring "/*" wildcards.
func (s MethodSet) Contains(method string) bool {
	if s[method] {
		return true
	}
	for entry := range s {
		if strings.HasSuffix(entry, "/*") && strings.HasPrefix(method, entry[:len(entry)-1]) {
			return true
		}
	}
	return false
}
