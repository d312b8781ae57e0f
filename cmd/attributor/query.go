package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/attribution"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/response"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
)

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Attribute text against an index file and print the response",
		ArgsUsage: "[text]  (read from stdin when omitted)",
		Flags: []cli.Flag{
			indexFlag(),
			&cli.StringFlag{Name: "name", Usage: "Index name reported in the response (default: file name)"},
			&cli.BoolFlag{Name: "v2", Usage: "Print the v2 response format"},
			&cli.StringSliceFlag{Name: "delimiter", Usage: "Segment delimiter; repeat for several"},
			&cli.BoolFlag{Name: "partial-words", Usage: "Allow spans that start or end inside a word"},
			&cli.IntFlag{Name: "min-length", Usage: "Minimum span length in characters"},
			&cli.Int64Flag{Name: "max-frequency", Usage: "Maximum corpus frequency of a span"},
			&cli.Float64Flag{Name: "density", Usage: "Maximum fraction of the text covered by spans"},
			&cli.IntFlag{Name: "max-docs", Usage: "Maximum documents per span"},
			&cli.IntFlag{Name: "context", Usage: "Context window length in characters"},
			&cli.IntFlag{Name: "snippet", Usage: "Snippet length in characters"},
		},
		Action: runQuery,
	}
}

func runQuery(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	opts := []corpus.Option{}
	if c.IsSet("name") {
		opts = append(opts, corpus.WithName(c.String("name")))
	}
	idx, err := corpus.Open(c.String("index"), opts...)
	if err != nil {
		return err
	}

	text := strings.Join(c.Args().Slice(), " ")
	if text == "" {
		b, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		text = strings.TrimRight(string(b), "\n")
	}

	registry := corpus.NewRegistry(nil)
	registry.Register(idx)
	finder, err := attribution.NewFinder(attribution.WithPoolSize(cfg.Attribution.WorkerPoolSize))
	if err != nil {
		return err
	}
	defer finder.Release()
	svc, err := attribution.NewService(registry, finder, cfg.Attribution)
	if err != nil {
		return err
	}

	p, err := svc.Params(requestFromFlags(c, text))
	if err != nil {
		return err
	}
	res, err := svc.Attribute(c.Context, idx.Name(), text, p)
	if err != nil {
		return err
	}

	var out any = response.V1(res)
	if c.Bool("v2") {
		out = response.V2(res)
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// requestFromFlags sets only the parameters given on the command line; the
// rest take the configured defaults.
func requestFromFlags(c *cli.Context, text string) *attribution.Request {
	req := &attribution.Request{Response: text}
	if c.IsSet("delimiter") {
		req.Delimiters = c.StringSlice("delimiter")
	}
	if c.IsSet("partial-words") {
		v := c.Bool("partial-words")
		req.AllowSpansWithPartialWords = &v
	}
	if c.IsSet("min-length") {
		v := c.Int("min-length")
		req.MinimumSpanLength = &v
	}
	if c.IsSet("max-frequency") {
		v := c.Int64("max-frequency")
		req.MaximumFrequency = &v
	}
	if c.IsSet("density") {
		v := c.Float64("density")
		req.MaximumSpanDensity = &v
	}
	if c.IsSet("max-docs") {
		v := c.Int("max-docs")
		req.MaximumDocumentsPerSpan = &v
	}
	if c.IsSet("context") {
		v := c.Int("context")
		req.MaximumContextLength = &v
		req.MaximumContextLengthLong = &v
	}
	if c.IsSet("snippet") {
		v := c.Int("snippet")
		req.MaximumContextLengthSnippet = &v
	}
	return req
}
