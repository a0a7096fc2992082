package main

import "github.com/terraconstructs/kcauth/cmd/kcauth/cmd"

func main() {
	cmd.Execute()
}
