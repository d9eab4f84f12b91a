// Command mcphubd runs the MCP multiplexing hub.
package main

import "github.com/mcphub/mcphub/cmd/mcphubd/cmd"

func main() {
	cmd.Execute()
}
