// Command loadtest drives an attribution endpoint with a fixed set of model
// responses and reports throughput, latency percentiles and cache hits.
//
// Usage:
//
//	loadtest --index tulu-3-8b --concurrency 20 --duration 1m
//	loadtest --index tulu-3-8b --v2 --input responses.txt
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

// defaultResponses are model outputs that share phrasing with common
// training text, so some spans are found in most corpora.
var defaultResponses = []string{
	"The quick brown fox jumps over the lazy dog. It is a sentence that contains every letter of the alphabet.",
	"Once upon a time, in a land far away, there lived a king who had three daughters.",
	"To be or not to be, that is the question. Whether it is nobler in the mind to suffer.",
	"Machine learning is a field of study in artificial intelligence concerned with the development of statistical algorithms.",
	"The mitochondria is the powerhouse of the cell. It produces energy through cellular respiration.",
	"In computer science, a suffix array is a sorted array of all suffixes of a string.",
	"It was the best of times, it was the worst of times, it was the age of wisdom.",
	"Water boils at one hundred degrees Celsius at sea level and freezes at zero degrees.",
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "loadtest",
		Usage: "Load test a span attribution endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "Base URL of the attribution service"},
			&cli.StringFlag{Name: "index", Required: true, Usage: "Index to attribute against"},
			&cli.BoolFlag{Name: "v2", Usage: "Use the v2 endpoint"},
			&cli.IntFlag{Name: "concurrency", Value: 10, Usage: "Number of concurrent workers"},
			&cli.DurationFlag{Name: "duration", Value: 30 * time.Second, Usage: "Test duration"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "Per-request timeout"},
			&cli.StringFlag{Name: "input", Usage: "File of responses, one per line (default: built-in set)"},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	responses := defaultResponses
	if path := c.String("input"); path != "" {
		var err error
		if responses, err = readResponses(path); err != nil {
			return err
		}
	}
	if c.Int("concurrency") < 1 {
		return fmt.Errorf("--concurrency must be at least 1")
	}
	t, err := newTarget(c.String("url"), c.String("index"), c.Bool("v2"), responses)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "target %s, %d workers for %s, %d responses\n",
		t.url, c.Int("concurrency"), c.Duration("duration"), len(t.bodies))

	rep := drive(c.Context, t, c.Int("concurrency"), c.Duration("duration"), c.Duration("timeout"))
	rep.print(w)
	if rep.total == 0 {
		return fmt.Errorf("no requests completed; is the service running and the index loaded?")
	}
	return nil
}

func readResponses(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no responses", path)
	}
	return out, nil
}
