package main

import "github.com/deploymenttheory/go-riscvos/cmd"

func main() {
	cmd.Execute()
}
