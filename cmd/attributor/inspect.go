package main

import (
	"encoding/json"

	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
)

type inspectOutput struct {
	Name        string           `json:"name"`
	Documents   int64            `json:"documents"`
	StreamBytes int64            `json:"streamBytes"`
	SizeBytes   int64            `json:"sizeBytes"`
	Count       *int64           `json:"count,omitempty"`
	Document    *inspectDocument `json:"document,omitempty"`
}

type inspectDocument struct {
	corpus.Document
	Text string `json:"text"`
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print index statistics, a document or the count of a pattern",
		Flags: []cli.Flag{
			indexFlag(),
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "Verify the index checksum before reading",
			},
			&cli.Int64Flag{
				Name:  "doc",
				Usage: "Print the document with this id",
				Value: -1,
			},
			&cli.StringFlag{
				Name:  "count",
				Usage: "Count the occurrences of this text",
			},
		},
		Action: func(c *cli.Context) error {
			idx, err := corpus.Open(c.String("index"), corpus.WithChecksum(c.Bool("verify")))
			if err != nil {
				return err
			}
			out := inspectOutput{
				Name:        idx.Name(),
				Documents:   idx.DocCount(),
				StreamBytes: idx.StreamLen(),
				SizeBytes:   idx.SizeBytes(),
			}
			if c.IsSet("count") {
				n := idx.Count([]byte(c.String("count")))
				out.Count = &n
			}
			if id := c.Int64("doc"); id >= 0 {
				doc, err := idx.Document(id)
				if err != nil {
					return err
				}
				text, err := idx.DocumentText(id)
				if err != nil {
					return err
				}
				out.Document = &inspectDocument{Document: doc, Text: text}
			}
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func indexFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "index",
		Aliases:  []string{"x"},
		Usage:    "Path of the index file",
		Required: true,
	}
}
