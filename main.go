package main

import "llmbench/cmd"

func main() {
	cmd.Execute()
}
