package main

import "presale-settlement/internal/cli"

func main() {
	cli.Execute()
}
