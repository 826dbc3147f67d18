package main

import "attendease/proximity/internal/cli"

func main() {
	cli.Execute()
}
