package main

import "github.com/entrepeneur4lyf/convostore/cmd/convostore/cmd"

func main() {
	cmd.Execute()
}
