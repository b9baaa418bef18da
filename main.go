package main

import "github.com/wentf9/xops-remote/cmd"

func main() {
	cmd.Execute()
}
