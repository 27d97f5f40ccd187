// Package main is the entry point for the orchestrator service.
package main

func main() {
	Execute()
}
