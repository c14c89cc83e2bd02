package main

import "github.com/mohammad-safakhou/researcher/cmd"

func main() {
	cmd.Execute()
}
