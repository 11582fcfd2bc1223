package main

import "github.com/jmehdipour/mail-archiver/cmd"

func main() {
	cmd.Execute()
}
