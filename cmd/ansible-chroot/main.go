package main

import (
	"os"

	"ansible-chroot/cmd"
)

func main() {
	os.Exit(cmd.Execute(cmd.NewChrootCommand()))
}
