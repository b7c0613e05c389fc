package main

import (
	"mixdeck/cmd"
)

func main() {
	// cobra 在出错时会自行 os.Exit，这里只负责启动。
	cmd.Execute()
}
