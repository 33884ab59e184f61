package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"dupscan/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DUPSCAN"

// Defaults applied before the file is read.
const (
	DefaultBatchSize       = 1000
	DefaultMinDuplications = 2
	DefaultCheckpointKey   = "STATE"
	DefaultCheckpointPath  = "dupscan.checkpoint.json"
	DefaultSinkTable       = "duplicates"
	DefaultCheckpointTable = "dupscan_checkpoints"
)

// SetDefaults registers every default on v. Keys with a default are also the
// keys environment variables can override.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("job", "")

	v.SetDefault("source.kind", "")
	v.SetDefault("source.path", "")
	v.SetDefault("source.format", "json")
	v.SetDefault("source.url", "")
	v.SetDefault("source.dsn", "")
	v.SetDefault("source.table", "")
	v.SetDefault("source.order_by", "")
	v.SetDefault("source.clean_only", false)

	v.SetDefault("dedup.field", "")
	v.SetDefault("dedup.fields", []string{})
	v.SetDefault("dedup.min_duplications", DefaultMinDuplications)
	v.SetDefault("dedup.show_indexes", true)
	v.SetDefault("dedup.show_items", true)
	v.SetDefault("dedup.show_missing", true)

	v.SetDefault("runtime.batch_size", DefaultBatchSize)
	v.SetDefault("runtime.limit", 0)
	v.SetDefault("runtime.offset", 0)

	v.SetDefault("sink.kind", SinkNone)
	v.SetDefault("sink.path", "")
	v.SetDefault("sink.dsn", "")
	v.SetDefault("sink.table", DefaultSinkTable)

	v.SetDefault("checkpoint.kind", SinkFile)
	v.SetDefault("checkpoint.path", DefaultCheckpointPath)
	v.SetDefault("checkpoint.dsn", "")
	v.SetDefault("checkpoint.table", DefaultCheckpointTable)
	v.SetDefault("checkpoint.key", DefaultCheckpointKey)

	v.SetDefault("report.path", "")
	v.SetDefault("report.format", "json")

	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.tags", "")
}

// NewViper returns a viper instance with defaults and DUPSCAN_ environment
// binding. Callers may bind CLI flags on it before LoadWithViper.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the pipeline at path with defaults and environment overrides.
func Load(path string) (Pipeline, error) {
	return LoadWithViper(NewViper(), path)
}

// LoadWithViper reads the pipeline at path into v and decodes it.
//
// The format follows the file extension (.json, .yaml/.yml, .toml). For JSON
// and YAML documents, source.records and all options maps keep their key
// case; viper itself lowercases keys.
//
// Errors:
//   - ErrConfiguration when the file is missing, unreadable or malformed.
//     Validation is separate (ValidatePipeline).
func LoadWithViper(v *viper.Viper, path string) (Pipeline, error) {
	var p Pipeline

	raw, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Mark(errors.Wrapf(err, "read config %s", path), errors.ErrConfiguration)
	}

	format := formatOf(path)
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return p, errors.Mark(errors.Wrapf(err, "parse config %s", path), errors.ErrConfiguration)
	}
	if err := v.Unmarshal(&p); err != nil {
		return p, errors.Mark(errors.Wrapf(err, "decode config %s", path), errors.ErrConfiguration)
	}
	if err := restoreKeyCase(&p, raw, format); err != nil {
		return p, errors.Mark(errors.Wrapf(err, "decode config %s", path), errors.ErrConfiguration)
	}
	return p, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// caseDoc is the subset of a pipeline whose map keys are user data.
type caseDoc struct {
	Source struct {
		Records []any          `json:"records" yaml:"records"`
		Options map[string]any `json:"options" yaml:"options"`
	} `json:"source" yaml:"source"`
	Prefilter []struct {
		Options map[string]any `json:"options" yaml:"options"`
	} `json:"prefilter" yaml:"prefilter"`
}

func restoreKeyCase(p *Pipeline, raw []byte, format string) error {
	var doc caseDoc
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return err
		}
	case "yaml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return err
		}
	default:
		return nil
	}

	if doc.Source.Records != nil {
		p.Source.Records = doc.Source.Records
	}
	if doc.Source.Options != nil {
		p.Source.Options = Options(doc.Source.Options)
	}
	if len(doc.Prefilter) == len(p.Prefilter) {
		for i, t := range doc.Prefilter {
			if t.Options != nil {
				p.Prefilter[i].Options = Options(t.Options)
			}
		}
	}
	return nil
}
