// Package main provides the rowcache CLI.
package main

import "github.com/mesh-intelligence/rowcache/internal/cli"

func main() {
	cli.Execute()
}
