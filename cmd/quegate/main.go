package main

import (
	"os"

	"github.com/nuetzliches/quegate/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
