package corpus

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Document is the metadata of one indexed document. Text is fetched
// separately with Index.DocumentText.
type Document struct {
	ID            int64
	DisplayName   string
	SecondaryName string
	Source        string
	SourceURL     string
	Usage         string
	Title         string
	Path          string
	LineNum       int64
	Extra         map[string]any
}

// Metadata is the per-document JSON record stored in the metadata section.
type Metadata struct {
	Source    string         `json:"source,omitempty"`
	SourceURL string         `json:"source_url,omitempty"`
	Title     string         `json:"title,omitempty"`
	Path      string         `json:"path,omitempty"`
	LineNum   int64          `json:"linenum"`
	Extra     map[string]any `json:"metadata,omitempty"`
}

// Document returns the metadata of the document with the given id, combined
// with the display settings of the index.
func (x *Index) Document(doc int64) (Document, error) {
	if doc < 0 || doc >= x.docCount {
		return Document{}, fmt.Errorf("%w: %d", ErrDocumentNotFound, doc)
	}
	d := Document{
		ID:            doc,
		DisplayName:   x.display.DisplayName,
		SecondaryName: x.display.SecondaryName,
		Usage:         x.display.Usage,
	}
	raw := x.meta[x.metaOff(doc):x.metaOff(doc+1)]
	if len(raw) == 0 {
		return d, nil
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Document{}, fmt.Errorf("%w: metadata of document %d: %v", ErrCorrupt, doc, err)
	}
	d.Source = m.Source
	d.SourceURL = m.SourceURL
	d.Title = m.Title
	d.Path = m.Path
	d.LineNum = m.LineNum
	d.Extra = m.Extra
	return d, nil
}

func nameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), FileExtension)
}
