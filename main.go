package main

import "github.com/arcward/clientele/cmd"

func main() {
	cmd.Execute()
}
