// Package docs turns files on disk into documents the pipelines can send to
// the model: plain text for text formats, an inline image for pictures.
package docs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupported is returned for formats that are neither text nor a supported image.
var ErrUnsupported = errors.New("unsupported document format")

// imageTypes are the media types the model accepts as image blocks.
var imageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// Image is a binary image payload.
type Image struct {
	MediaType string
	Data      []byte
}

// Document is one source or target file.
type Document struct {
	ID    string
	Name  string
	Path  string
	Text  string
	Image *Image
}

// IsImage reports whether the document carries an image instead of text.
func (d Document) IsImage() bool { return d.Image != nil }

// Extractor reads the text content of a file.
type Extractor interface {
	ExtractText(path string) (string, error)
}

// FileExtractor reads text-based formats (plain text, markdown, CSV, JSON,
// XML, HTML) straight from disk.
type FileExtractor struct{}

// ExtractText returns the file contents when the file is a text format.
func (FileExtractor) ExtractText(path string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect type of %s: %w", path, err)
	}
	if !isText(mtype) {
		return "", fmt.Errorf("%w: %s (%s)", ErrUnsupported, filepath.Base(path), mtype.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// Loader builds Documents from paths using an Extractor for text formats.
type Loader struct {
	Extractor Extractor
}

// NewLoader returns a Loader backed by FileExtractor.
func NewLoader() *Loader {
	return &Loader{Extractor: FileExtractor{}}
}

// Load reads a file into a Document. Images are kept as binary payloads;
// everything else goes through the Extractor.
func (l *Loader) Load(path string) (Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Document{}, fmt.Errorf("resolve path: %w", err)
	}

	doc := Document{
		ID:   FileID(abs),
		Name: filepath.Base(abs),
		Path: abs,
	}

	mtype, err := mimetype.DetectFile(abs)
	if err != nil {
		return Document{}, fmt.Errorf("detect type of %s: %w", doc.Name, err)
	}

	if mediaType, ok := imageType(mtype); ok {
		data, err := os.ReadFile(abs)
		if err != nil {
			return Document{}, fmt.Errorf("read file: %w", err)
		}
		doc.Image = &Image{MediaType: mediaType, Data: data}
		return doc, nil
	}

	text, err := l.Extractor.ExtractText(abs)
	if err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Document{}, fmt.Errorf("file is empty: %s", doc.Name)
	}
	doc.Text = text
	return doc, nil
}

// LoadAll loads every path, stopping at the first failure.
func (l *Loader) LoadAll(paths []string) ([]Document, error) {
	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		d, err := l.Load(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// FromText builds a text Document that did not come from disk. An empty id is
// derived from the name.
func FromText(id, name, text string) Document {
	if id == "" {
		id = FileID(name)
	}
	return Document{ID: id, Name: name, Text: text}
}

// FileID derives a stable identifier from a path or name so that re-evaluating
// the same file overwrites its earlier results.
func FileID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

func isText(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func imageType(mtype *mimetype.MIME) (string, bool) {
	for _, t := range imageTypes {
		if mtype.Is(t) {
			return t, true
		}
	}
	return "", false
}

// Names returns the display names of docs in order.
func Names(docs []Document) []string {
	names := make([]string, len(docs))
	for i, d := range docs {
		names[i] = d.Name
	}
	return names
}
