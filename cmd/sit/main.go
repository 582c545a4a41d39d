package main

import (
	"log"
	"os"

	cli "gitlab.com/sit/sit/internal/cli/sit"
)

func main() {
	if err := cli.NewApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
