package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/postgres"
)

// metadataRecord is one line of a metadata override file.
type metadataRecord struct {
	DocumentID int64  `json:"doc_id"`
	Source     string `json:"source"`
	SourceURL  string `json:"source_url"`
	Title      string `json:"title"`
}

func importMetadataCommand() *cli.Command {
	return &cli.Command{
		Name:  "import-metadata",
		Usage: "Upsert document metadata overrides into PostgreSQL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "index-name", Usage: "Index the overrides apply to", Required: true},
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "JSONL file of overrides", Required: true},
			&cli.IntFlag{Name: "batch-size", Usage: "Rows per transaction", Value: 500},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			rows, err := readMetadata(c.String("input"))
			if err != nil {
				return err
			}
			db, err := postgres.New(c.Context, cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()

			store := documents.NewStore(db)
			if err := store.EnsureSchema(c.Context); err != nil {
				return err
			}
			batch := max(c.Int("batch-size"), 1)
			for start := 0; start < len(rows); start += batch {
				end := min(start+batch, len(rows))
				if err := store.Upsert(c.Context, c.String("index-name"), rows[start:end]); err != nil {
					return fmt.Errorf("rows %d-%d: %w", start, end, err)
				}
			}
			fmt.Fprintf(c.App.Writer, "imported %d metadata rows for %s\n", len(rows), c.String("index-name"))
			return nil
		},
	}
}

func readMetadata(path string) ([]documents.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata: %w", err)
	}
	defer f.Close()

	var rows []documents.Metadata
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec metadataRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		rows = append(rows, documents.Metadata{
			DocumentID: rec.DocumentID,
			Source:     rec.Source,
			SourceURL:  rec.SourceURL,
			Title:      rec.Title,
		})
	}
	return rows, sc.Err()
}
