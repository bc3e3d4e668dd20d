package main

import "github.com/tonitrnel/synclink-sub001/internal/cmd"

func main() {
	cmd.Execute()
}
