// Package tools resolves tool paths requested by the provider and executes
// them against MCP servers or built-in admin tools.
package tools

import (
	"strings"
)

// Namespace identifies which executor handles a tool path.
type Namespace int

const (
	NamespaceUnknown Namespace = iota
	NamespaceMCP
	NamespaceAdmin
)

func (n Namespace) String() string {
	switch n {
	case NamespaceMCP:
		return "mcp"
	case NamespaceAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

const (
	mcpPrefix   = "b."
	adminPrefix = "_bond/"
	hashLen     = 8
)

// Route is the result of resolving a tool path.
type Route struct {
	Namespace Namespace
	// Server is the 8 character server hash for MCP routes.
	Server string
	Tool   string
	Path   string
}

// Resolve maps a tool path to its namespace. It performs no lookups, so an
// MCP route may still name a server that is not configured.
//
//	/b.<hash8>.<tool>  MCP tool on the server whose name hashes to hash8
//	/_bond/<tool>      admin tool
func Resolve(path string) Route {
	route := Route{Path: path}
	p := strings.TrimPrefix(strings.TrimSpace(path), "/")

	switch {
	case strings.HasPrefix(p, mcpPrefix):
		rest := p[len(mcpPrefix):]
		if len(rest) < hashLen+2 || rest[hashLen] != '.' {
			return route
		}
		hash, tool := rest[:hashLen], rest[hashLen+1:]
		if !isHex(hash) || tool == "" {
			return route
		}
		route.Namespace = NamespaceMCP
		route.Server = strings.ToLower(hash)
		route.Tool = tool
	case strings.HasPrefix(p, adminPrefix):
		tool := p[len(adminPrefix):]
		if tool == "" || strings.Contains(tool, "/") {
			return route
		}
		route.Namespace = NamespaceAdmin
		route.Tool = tool
	}
	return route
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// MCPPath builds the tool path for tool on the server with the given hash.
func MCPPath(serverHash, tool string) string {
	return "/" + mcpPrefix + serverHash + "." + tool
}

// AdminPath builds the tool path for an admin tool.
func AdminPath(tool string) string {
	return "/" + adminPrefix + tool
}
