package main

import "github.com/moltbook/shellgate/cmd/shellgate/cmd"

func main() {
	cmd.Execute()
}
