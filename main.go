package main

import "podcast-agent/agent_go/cmd"

func main() {
	cmd.Execute()
}
