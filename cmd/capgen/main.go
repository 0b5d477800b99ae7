// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	captioning "github.com/nilinykh/compositional-image-captioning"
	"github.com/nilinykh/compositional-image-captioning/decoder"
	"github.com/nilinykh/compositional-image-captioning/model"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "capgen",
		Usage: "Generate image captions with a trained decoder",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"CAPGEN_LOGLEVEL"},
			},
			&cli.StringFlag{
				Name:     "model-dir",
				Usage:    "directory of the model to operate on",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "convert",
				Usage: "Convert the original checkpoint in the model directory",
				Action: func(c *cli.Context) error {
					if err := convert(c.String("model-dir")); err != nil {
						log.Fatal().Err(err).Send()
					}
					return nil
				},
			},
			{
				Name:  "caption",
				Usage: "Generate captions for the image features in the given file",
				Action: func(c *cli.Context) error {
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, os.Kill)
					defer stop()

					opts, err := decodingOptionsFromFile(c.String("decoding-options"))
					if err != nil {
						log.Fatal().Err(err).Send()
					}
					if err := caption(ctx, c.String("model-dir"), c.String("features"), opts); err != nil {
						log.Err(err).Send()
					}
					return nil
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "features",
						Usage:    "JSON file with the image region features",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "decoding-options",
						Usage:    "YAML file with the decoding options",
						Required: false,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

func convert(modelDir string) error {
	log.Debug().Msgf("Converting model in dir: %s", modelDir)
	err := model.ConvertPickledModelToDecoder[float32](model.ConverterConfig{
		ModelDir:         modelDir,
		OverwriteIfExist: false,
	})
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	log.Debug().Msg("Done.")
	return nil
}

func caption(ctx context.Context, modelDir, featuresFilename string, opts decoder.DecodingOptions) error {
	log.Debug().Msgf("Loading model from dir: %s", modelDir)
	cp, err := captioning.Load(modelDir)
	if err != nil {
		return err
	}

	features, err := captioning.LoadImageFeatures(featuresFilename)
	if err != nil {
		return err
	}

	captions, err := cp.GenerateCaptions(ctx, features, opts)
	if err != nil {
		return err
	}
	for _, c := range captions {
		fmt.Printf("%.4f\t%s\n", c.Score, c)
	}
	return nil
}

func decodingOptionsFromFile(filepath string) (decoder.DecodingOptions, error) {
	opts := decoder.DefaultDecodingOptions()
	if filepath == "" {
		return opts, nil
	}
	data, err := os.ReadFile(filepath)
	if err != nil {
		return decoder.DecodingOptions{}, fmt.Errorf("error reading configuration file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return decoder.DecodingOptions{}, fmt.Errorf("error unmarshaling configuration file: %w", err)
	}
	return opts, nil
}
