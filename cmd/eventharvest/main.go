package main

import "github.com/citypulse/eventharvest/internal/cli"

func main() {
	cli.Execute()
}
