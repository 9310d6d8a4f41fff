package main

import "github.com/nghyane/qwen-proxy/internal/cli"

func main() {
	cli.Execute()
}
