package main

import "github.com/Layr-Labs/dex-sidecar/cmd"

func main() {
	cmd.Execute()
}
