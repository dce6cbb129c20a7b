package main

import "audio-fusion/cmd"

func main() {
	cmd.Execute()
}
