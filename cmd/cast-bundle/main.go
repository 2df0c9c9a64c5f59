// Command cast-bundle converts the pretrained prompt classifier into an
// on-device bundle with fixed input shapes, alongside the tokenizer files
// and the classifier metadata sidecar.
package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/castml/promptcast/internal/convert"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := convert.LoadConfig()
	if err != nil {
		log.Fatalw("configuration", "error", err)
	}

	if err := convert.Run(context.Background(), cfg, convert.BundleTarget{}, log); err != nil {
		log.Fatalw("conversion failed", "error", err)
	}
}
