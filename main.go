package main

import "github.com/audiolibrelab/callscribe/cmd"

func main() {
	cmd.Execute()
}
