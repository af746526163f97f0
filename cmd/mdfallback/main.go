package main

import "market-fallback/internal/cli"

func main() {
	cli.Execute()
}
