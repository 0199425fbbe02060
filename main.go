package main

import "soundsync/cmd"

func main() {
	cmd.Execute()
}
