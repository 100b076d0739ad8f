package main

import (
	"os"

	"github.com/kebairia/pgrescue/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
