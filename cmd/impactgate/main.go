package main

import "github.com/ppiankov/impactgate/internal/cli"

func main() {
	cli.Execute()
}
