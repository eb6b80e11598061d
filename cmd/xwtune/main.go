// Command xwtune fine-tunes a pretrained causal language model.
package main

import (
	"os"

	"github.com/tsingmao/xwtune/cmd/xwtune/app"
)

func main() {
	if err := app.NewXWTuneCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
