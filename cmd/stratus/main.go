package main

import (
	"github.com/stratushq/stratus/cmd/stratus/commands"
)

func main() {
	commands.Execute()
}
