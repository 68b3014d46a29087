package main

import "github.com/distkv/restkmsconnector/cmd/restkms-connector/cmd"

func main() {
	cmd.Execute()
}
