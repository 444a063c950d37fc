package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

func vocabCmd() *cli.Command {
	var vocabPath string
	vocabFlag := &cli.StringFlag{
		Name:        "vocab",
		Usage:       "path to a vocabulary JSON file (default: built-in vocabulary)",
		Destination: &vocabPath,
	}

	return &cli.Command{
		Name:  "vocab",
		Usage: "Inspect a vocabulary",
		Commands: []*cli.Command{
			{
				Name:  "dump",
				Usage: "Write the vocabulary as JSON (the format --vocab reads)",
				Flags: []cli.Flag{vocabFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					v, err := loadVocab(vocabPath)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(v)
				},
			},
			{
				Name:      "encode",
				Usage:     "Print the token ids for text",
				ArgsUsage: "<text>",
				Flags:     []cli.Flag{vocabFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					v, err := loadVocab(vocabPath)
					if err != nil {
						return err
					}
					ids, err := v.Encode(strings.Join(cmd.Args().Slice(), " "))
					if err != nil {
						return err
					}
					for _, id := range ids {
						fmt.Printf("%d\t%q\n", id, v.TokenString(id))
					}
					return nil
				},
			},
			{
				Name:      "decode",
				Usage:     "Print the text for token ids",
				ArgsUsage: "<id>...",
				Flags:     []cli.Flag{vocabFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					v, err := loadVocab(vocabPath)
					if err != nil {
						return err
					}
					ids := make([]int, 0, cmd.Args().Len())
					for _, arg := range cmd.Args().Slice() {
						id, err := strconv.Atoi(arg)
						if err != nil {
							return fmt.Errorf("invalid token id %q", arg)
						}
						ids = append(ids, id)
					}
					text, err := v.Decode(ids)
					if err != nil {
						return err
					}
					fmt.Println(text)
					return nil
				},
			},
		},
	}
}
