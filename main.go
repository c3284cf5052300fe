package main

import "github.com/telekom/mesh-operator/cmd"

func main() {
	cmd.Execute()
}
