// Package config holds the configuration of a folding run. It is read
// from YAML.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/filterbank"
	"github.com/dudk/pulsefold/fold"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/unpack"
)

// Config of a folding run.
type Config struct {
	// Threads is the number of workers.
	Threads int `yaml:"threads"`
	// BlockSize is the number of samples per window. Zero selects the
	// minimum required by the stages.
	BlockSize int `yaml:"block_size"`
	// MergeEvery is the number of windows per worker merged into one
	// profile. Zero merges everything into one profile.
	MergeEvery int `yaml:"merge_every"`
	// Device selects device engines instead of CPU ones.
	Device bool `yaml:"device"`

	Input      Input      `yaml:"input"`
	Unpack     Unpack     `yaml:"unpack"`
	Filterbank Filterbank `yaml:"filterbank"`
	Fold       Fold       `yaml:"fold"`
	Output     Output     `yaml:"output"`
}

// Input describes a raw source.
type Input struct {
	Path            string  `yaml:"path"`
	Format          string  `yaml:"format"` // raw or wav
	Rate            float64 `yaml:"rate"`
	Start           float64 `yaml:"start"` // MJD
	NChan           int     `yaml:"nchan"`
	NPol            int     `yaml:"npol"`
	NDim            int     `yaml:"ndim"`
	NBit            int     `yaml:"nbit"`
	CentreFrequency float64 `yaml:"centre_frequency"`
	Bandwidth       float64 `yaml:"bandwidth"`
}

// Observation returns the descriptor of a raw source.
func (in Input) Observation() signal.Observation {
	return signal.Observation{
		Rate:            in.Rate,
		Start:           signal.NewMJD(in.Start),
		NChan:           in.NChan,
		NPol:            in.NPol,
		NDim:            in.NDim,
		NBit:            in.NBit,
		CentreFrequency: in.CentreFrequency,
		Bandwidth:       in.Bandwidth,
	}
}

// Unpack configures the unpacker.
type Unpack struct {
	Scale float64 `yaml:"scale"`
}

// Filterbank configures the channelizer. Zero NChan disables it.
type Filterbank struct {
	NChan   int    `yaml:"nchan"`
	FreqRes int    `yaml:"freq_res"`
	Overlap int    `yaml:"overlap"`
	Order   string `yaml:"order"` // FPT or TFP
}

// Enabled reports whether the channelizer is part of the chain.
func (f Filterbank) Enabled() bool {
	return f.NChan > 0
}

// Polynomial configures a Taylor series phase model.
type Polynomial struct {
	Epoch       float64   `yaml:"epoch"` // MJD
	Phase0      float64   `yaml:"phase0"`
	Frequencies []float64 `yaml:"frequencies"`
}

// Fold configures the folder. Exactly one of Period and Predictor is set.
type Fold struct {
	NBin      int         `yaml:"nbin"`
	Period    float64     `yaml:"period"`
	Predictor *Polynomial `yaml:"predictor"`
	RefPhase  float64     `yaml:"ref_phase"`
}

// Output configures the destination of profiles.
type Output struct {
	Path string `yaml:"path"` // empty writes to stdout
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Threads: 1,
		Input: Input{
			Format: "raw",
			NChan:  1,
			NPol:   1,
			NDim:   1,
			NBit:   8,
		},
		Filterbank: Filterbank{
			FreqRes: 1,
			Order:   signal.OrderFPT.String(),
		},
		Fold: Fold{
			NBin: 128,
		},
	}
}

// Load reads the configuration file at path over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fault.IO("config.Load", err)
	}
	return Parse(data)
}

// Parse reads YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fault.InvalidState("config.Parse", "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate returns an error if cfg cannot configure a run.
func (cfg Config) Validate() error {
	const op = "config.Validate"
	switch {
	case cfg.Threads < 1:
		return fault.InvalidState(op, "threads=%d", cfg.Threads)
	case cfg.BlockSize < 0:
		return fault.InvalidState(op, "block_size=%d", cfg.BlockSize)
	case cfg.MergeEvery < 0:
		return fault.InvalidState(op, "merge_every=%d", cfg.MergeEvery)
	case cfg.Fold.NBin < 1:
		return fault.InvalidState(op, "fold.nbin=%d", cfg.Fold.NBin)
	case cfg.Fold.Predictor == nil && cfg.Fold.Period <= 0:
		return fault.InvalidState(op, "fold requires a period or a predictor")
	case cfg.Fold.Predictor != nil && cfg.Fold.Period != 0:
		return fault.InvalidState(op, "fold accepts either a period or a predictor")
	case cfg.Fold.Predictor != nil && len(cfg.Fold.Predictor.Frequencies) == 0:
		return fault.InvalidState(op, "fold.predictor has no frequencies")
	}
	if f := cfg.Filterbank; f.Enabled() {
		if _, err := parseOrder(f.Order); err != nil {
			return err
		}
		if f.FreqRes < 1 || f.Overlap < 0 || f.Overlap >= f.FreqRes {
			return fault.InvalidState(op, "filterbank.freq_res=%d filterbank.overlap=%d", f.FreqRes, f.Overlap)
		}
	}
	switch cfg.Input.Format {
	case "", "raw", "wav":
	default:
		return fault.InvalidState(op, "input.format=%q", cfg.Input.Format)
	}
	return nil
}

func parseOrder(s string) (signal.Order, error) {
	switch strings.ToUpper(s) {
	case "", signal.OrderFPT.String():
		return signal.OrderFPT, nil
	case signal.OrderTFP.String():
		return signal.OrderTFP, nil
	}
	return 0, fault.InvalidState("config", "order %q", s)
}

// UnpackConfig returns the configuration of the unpacker.
func (cfg Config) UnpackConfig() unpack.Config {
	return unpack.Config{Scale: cfg.Unpack.Scale}
}

// FilterbankConfig returns the configuration of the channelizer.
func (cfg Config) FilterbankConfig() filterbank.Config {
	order, _ := parseOrder(cfg.Filterbank.Order)
	return filterbank.Config{
		NChan:   cfg.Filterbank.NChan,
		FreqRes: cfg.Filterbank.FreqRes,
		Overlap: cfg.Filterbank.Overlap,
		Order:   order,
	}
}

// FoldConfig returns the configuration of the folder. Every call with a
// predictor returns a model of new identity.
func (cfg Config) FoldConfig() fold.Config {
	c := fold.Config{
		NBin:     cfg.Fold.NBin,
		Period:   cfg.Fold.Period,
		RefPhase: cfg.Fold.RefPhase,
	}
	if p := cfg.Fold.Predictor; p != nil {
		c.Predictor = fold.NewPolynomial(signal.NewMJD(p.Epoch), p.Phase0, p.Frequencies...)
	}
	return c
}
