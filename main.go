package main

import (
	"context"
	"os"

	"github.com/emaforlin/ws-echo/cmd"
)

func main() {
	os.Exit(cmd.Execute(context.Background(), os.Args[1:], os.Stderr))
}
