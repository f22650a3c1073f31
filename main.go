package main

import "github.com/wangenius/shipmyagent/cmd"

func main() {
	cmd.Execute()
}
