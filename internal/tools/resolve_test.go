package tools

import "testing"

func TestResolve(t *testing.T) {
	tests := []struct {
		path string
		want Route
	}{
		{
			path: "/b.1a2b3c4d.search_issues",
			want: Route{Namespace: NamespaceMCP, Server: "1a2b3c4d", Tool: "search_issues"},
		},
		{
			path: "b.1A2B3C4D.search",
			want: Route{Namespace: NamespaceMCP, Server: "1a2b3c4d", Tool: "search"},
		},
		{
			path: "/b.1a2b3c4d.tool.with.dots",
			want: Route{Namespace: NamespaceMCP, Server: "1a2b3c4d", Tool: "tool.with.dots"},
		},
		{path: "/_bond/list_mcp_servers", want: Route{Namespace: NamespaceAdmin, Tool: "list_mcp_servers"}},
		{path: "/_bond/", want: Route{}},
		{path: "/_bond/a/b", want: Route{}},
		{path: "/b.zzzzzzzz.search", want: Route{}},
		{path: "/b.1a2b3c.search", want: Route{}},
		{path: "/b.1a2b3c4d.", want: Route{}},
		{path: "/b.1a2b3c4d", want: Route{}},
		{path: "/weather", want: Route{}},
		{path: "", want: Route{}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := Resolve(tt.path)
			tt.want.Path = tt.path
			if got != tt.want {
				t.Errorf("Resolve(%q) = %+v, want %+v", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_BuildersRoundTrip(t *testing.T) {
	if r := Resolve(MCPPath("deadbeef", "get")); r.Namespace != NamespaceMCP || r.Server != "deadbeef" || r.Tool != "get" {
		t.Errorf("MCPPath route = %+v", r)
	}
	if r := Resolve(AdminPath("ping")); r.Namespace != NamespaceAdmin || r.Tool != "ping" {
		t.Errorf("AdminPath route = %+v", r)
	}
}

func TestNamespace_String(t *testing.T) {
	for ns, want := range map[Namespace]string{NamespaceMCP: "mcp", NamespaceAdmin: "admin", NamespaceUnknown: "unknown"} {
		if ns.String() != want {
			t.Errorf("%d.String() = %q, want %q", ns, ns.String(), want)
		}
	}
}
