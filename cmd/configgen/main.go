package main

import (
	"flag"
	"log"

	"github.com/danmuck/gcslink/internal/config"
)

func main() {
	kind := flag.String("kind", "udp", "link set for the template: udp|serial|replay")
	output := flag.String("output", "gcslink.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "gcslink.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (%d links)", *input, len(cfg.Links))
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
