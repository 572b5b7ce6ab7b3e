package main

import "github.com/nextlevelbuilder/msggate/cmd"

func main() {
	cmd.Execute()
}
