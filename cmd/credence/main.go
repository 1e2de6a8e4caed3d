package main

import "github.com/credence-ai/credence/internal/cli"

func main() {
	cli.Execute()
}
