package main

import (
	"github.com/sidkik/ftp-deploy/cmd"
	"github.com/sidkik/ftp-deploy/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
