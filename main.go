package main

import "github.com/maimbot/napcat-adapter/cmd"

func main() {
	cmd.Execute()
}
