// Command xzproxy aggregates a fleet of downstream MCP providers behind
// a namespaced tool catalog and re-serves it to upstream MCP endpoints.
package main

import "github.com/xiaozhi-mcp/xzproxy/cmd/xzproxy/cmd"

func main() {
	cmd.Execute()
}
