package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
)

// maxLineBytes bounds one input document.
const maxLineBytes = 64 << 20

// sourceRecord is one line of a JSONL build input.
type sourceRecord struct {
	Text      string         `json:"text"`
	Source    string         `json:"source"`
	SourceURL string         `json:"source_url"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata"`
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "Build an index file from JSONL or plain-text documents",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "Input file; repeat for several files",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Usage:    "Path of the index file to write",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "plain",
				Usage: "Treat every input line as one document's text",
			},
		},
		Action: func(c *cli.Context) error {
			b := corpus.NewBuilder()
			for _, path := range c.StringSlice("input") {
				if err := addFile(b, path, c.Bool("plain")); err != nil {
					return err
				}
			}
			if b.DocCount() == 0 {
				return fmt.Errorf("no documents read from %v", c.StringSlice("input"))
			}
			out := c.String("output")
			if err := b.WriteFile(out); err != nil {
				return fmt.Errorf("writing index: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "wrote %s: %d documents\n", out, b.DocCount())
			return nil
		},
	}
}

func addFile(b *corpus.Builder, path string, plain bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()
	return addDocuments(b, f, filepath.Base(path), plain)
}

// addDocuments reads one document per line. Blank lines are skipped but
// still counted, so LineNum points back into the source file.
func addDocuments(b *corpus.Builder, r io.Reader, name string, plain bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxLineBytes)
	var line int64
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec sourceRecord
		if plain {
			rec.Text = string(raw)
		} else if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%s:%d: %w", name, line, err)
		}
		if rec.Text == "" {
			continue
		}
		_, err := b.AddDocument(rec.Text, corpus.Metadata{
			Source:    rec.Source,
			SourceURL: rec.SourceURL,
			Title:     rec.Title,
			Path:      name,
			LineNum:   line,
			Extra:     rec.Metadata,
		})
		if err != nil {
			return fmt.Errorf("%s:%d: %w", name, line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	return nil
}
