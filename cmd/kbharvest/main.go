// Package main provides the entry point for the kbharvest CLI.
//
// kbharvest crawls a corporate knowledge base (wiki page trees or issue
// tracker queries), filters and extracts attachments, optionally enriches
// the content through a text-generation service and exports everything as
// markdown.
//
// Usage:
//
//	kbharvest serve
//	kbharvest flatten <input-dir> -o <output-dir>
//
// See --help for all available options.
package main

// main is the entry point for kbharvest.
func main() {
	Execute()
}
