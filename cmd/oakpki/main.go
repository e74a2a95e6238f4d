package main

import "github.com/oakpki/oakpki/cmd/oakpki/cmd"

func main() {
	cmd.Execute()
}
