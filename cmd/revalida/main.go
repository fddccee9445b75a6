package main

import (
	"os"

	"github.com/ambiyansyah-risyal/revalida/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
