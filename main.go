package main

import "github.com/hoppxi/btlaunch/internal/cmd"

func main() {
	cmd.Execute()
}
