package specstore

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"specline/internal/domain"
)

var (
	frontMatterOpen  = []byte("---\n")
	frontMatterClose = []byte("\n---\n")
)

// header is the structured metadata written ahead of the spec body.
type header struct {
	ID        string        `yaml:"id"`
	ProjectID string        `yaml:"project_id"`
	Version   int           `yaml:"version"`
	Status    domain.Status `yaml:"status"`
	CreatedAt string        `yaml:"created_at"`
	Title     string        `yaml:"title"`
}

// encode renders a spec file: YAML front matter, then the body verbatim.
func encode(s domain.Spec) ([]byte, error) {
	meta, err := yaml.Marshal(header{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		Version:   s.Version,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		Title:     s.Title,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal spec header: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(frontMatterOpen) + len(meta) + len(frontMatterClose) + len(s.Content))
	buf.Write(frontMatterOpen)
	buf.Write(bytes.TrimRight(meta, "\n"))
	buf.Write(frontMatterClose)
	buf.WriteString(s.Content)
	return buf.Bytes(), nil
}

// decode parses a spec file written by encode.
func decode(data []byte) (domain.Spec, error) {
	if !bytes.HasPrefix(data, frontMatterOpen) {
		return domain.Spec{}, errors.New("missing front matter opening delimiter")
	}
	rest := data[len(frontMatterOpen):]
	end := bytes.Index(rest, frontMatterClose)
	if end < 0 {
		return domain.Spec{}, errors.New("missing front matter closing delimiter")
	}
	var h header
	if err := yaml.Unmarshal(rest[:end], &h); err != nil {
		return domain.Spec{}, fmt.Errorf("parse front matter: %w", err)
	}
	if h.Version < 1 {
		return domain.Spec{}, fmt.Errorf("front matter version %d out of range", h.Version)
	}
	body := rest[end+len(frontMatterClose):]
	return domain.Spec{
		ID:        h.ID,
		ProjectID: h.ProjectID,
		Version:   h.Version,
		Status:    h.Status,
		Title:     h.Title,
		CreatedAt: h.CreatedAt,
		Content:   string(body),
		SizeBytes: int64(len(body)),
	}, nil
}
