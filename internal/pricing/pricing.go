// Package pricing converts token usage into whole credits.
package pricing

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/dynoinc/billstream/internal/stream"
)

//go:embed prices.yaml
var defaultTable []byte

var million = decimal.NewFromInt(1_000_000)

type Rate struct {
	InputPerMillion  string `yaml:"input_per_million"  validate:"required,numeric"`
	OutputPerMillion string `yaml:"output_per_million" validate:"required,numeric"`
}

type ModelRate struct {
	Name string `yaml:"name" validate:"required"`
	Rate `yaml:",inline"`
}

type Config struct {
	Default Rate        `yaml:"default" validate:"required"`
	Models  []ModelRate `yaml:"models"  validate:"dive"`
}

type rate struct {
	input, output decimal.Decimal
}

type Table struct {
	def    rate
	models map[string]rate
}

// Load reads a pricing table from path, or the embedded table when path is empty.
func Load(path string) (*Table, error) {
	data := defaultTable
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pricing table: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Table, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	def, err := cfg.Default.parse()
	if err != nil {
		return nil, fmt.Errorf("default rate: %w", err)
	}

	t := &Table{def: def, models: make(map[string]rate, len(cfg.Models))}
	for _, m := range cfg.Models {
		if _, dup := t.models[m.Name]; dup {
			return nil, fmt.Errorf("model %q priced twice", m.Name)
		}
		r, err := m.Rate.parse()
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", m.Name, err)
		}
		t.models[m.Name] = r
	}
	return t, nil
}

func (r Rate) parse() (rate, error) {
	in, err := decimal.NewFromString(r.InputPerMillion)
	if err != nil {
		return rate{}, err
	}
	out, err := decimal.NewFromString(r.OutputPerMillion)
	if err != nil {
		return rate{}, err
	}
	if in.IsNegative() || out.IsNegative() {
		return rate{}, fmt.Errorf("negative rate")
	}
	return rate{input: in, output: out}, nil
}

// Price returns the credits owed for usage, rounded up. Unknown models use the
// default rate.
func (t *Table) Price(model string, usage stream.Usage) (int64, error) {
	if usage.InputTokens < 0 || usage.OutputTokens < 0 {
		return 0, fmt.Errorf("negative token count")
	}

	r, ok := t.models[model]
	if !ok {
		r = t.def
	}

	total := r.input.Mul(decimal.NewFromInt(usage.InputTokens)).
		Add(r.output.Mul(decimal.NewFromInt(usage.OutputTokens))).
		Div(million).
		Ceil()
	return total.IntPart(), nil
}
