package main

import (
	"github.com/lipdiffusion/orchestrator/cli"

	_ "github.com/harness/godotenv/v3"
)

func main() {
	cli.Command()
}
