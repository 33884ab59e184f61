package runner

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"dupscan/internal/config"
	"dupscan/internal/dedup"
	"dupscan/internal/errors"
)

func reportFormat(r config.Report) string {
	switch strings.ToLower(r.Format) {
	case "yaml", "yml":
		return "yaml"
	default:
		return "json"
	}
}

// EncodeReport renders rep.Output() as indented JSON, or as YAML with the
// same keys and values.
func EncodeReport(rep dedup.Report, format string) ([]byte, error) {
	b, err := json.MarshalIndent(rep.Output(), "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode report")
	}
	if format != "yaml" {
		return append(b, '\n'), nil
	}

	// JSON is a YAML subset; re-emitting the parsed node in block style keeps
	// the field names from the json tags.
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "encode report: yaml")
	}
	resetStyle(&doc)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, errors.Wrap(err, "encode report: yaml")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode report: yaml")
	}
	return buf.Bytes(), nil
}

func resetStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		resetStyle(c)
	}
}

// writeReport writes the report to cfg.Path, through a temp file and rename,
// or to the runner's stdout when the path is empty.
func (r *Runner) writeReport(cfg config.Report, rep dedup.Report) error {
	b, err := EncodeReport(rep, reportFormat(cfg))
	if err != nil {
		return err
	}
	if cfg.Path == "" {
		return writeAll(r.stdout(), b)
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.MarkUnavailable(err, "create report dir "+dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(cfg.Path)+".*.tmp")
	if err != nil {
		return errors.MarkUnavailable(err, "create report "+cfg.Path)
	}
	defer os.Remove(tmp.Name())
	if err := writeAll(tmp, b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.MarkUnavailable(err, "close report "+cfg.Path)
	}
	if err := os.Rename(tmp.Name(), cfg.Path); err != nil {
		return errors.MarkUnavailable(err, "rename report "+cfg.Path)
	}
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return errors.MarkUnavailable(err, "write report")
	}
	return nil
}
