// Package main implements rangemovectl, the operator tool for rangemove shards.
//
// It runs a shard process ("serve") and sends admin requests to running
// shards over NATS ("move", "cleanup", "status").
package main

import "os"

func main() {
	os.Exit(newRootCommand(os.Stdout, os.Stderr).Execute())
}
