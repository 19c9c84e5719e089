// Package main is the ghost command.
package main

import "github.com/grafana/ghost/cmd"

func main() {
	cmd.Execute()
}
