package main

import "github.com/shawkym/reqchat/cmd"

func main() {
	cmd.Execute()
}
