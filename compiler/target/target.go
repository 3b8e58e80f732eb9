package target

import (
	"os"

	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
)

type (
	// Target is the read-only hardware description consumed by the
	// scheduler, the clause packer and the allocator. Load it from a
	// preset or a yaml file; nothing mutates it after that.
	Target struct {
		Name string `yaml:"name"`
		Gen  int    `yaml:"gen"`

		// register file
		WorkRegisters int `yaml:"work_registers"`

		// special class windows
		LoadStoreBase  int `yaml:"load_store_base"`
		LoadStoreCount int `yaml:"load_store_count"`
		TexReadBase    int `yaml:"tex_read_base"`
		TexReadCount   int `yaml:"tex_read_count"`
		TexWriteBase   int `yaml:"tex_write_base"`
		TexWriteCount  int `yaml:"tex_write_count"`

		// clause packing: constants + bundles per clause
		ClauseLimit int `yaml:"clause_limit"`

		// scheduler lookahead window
		Lookahead int `yaml:"lookahead"`

		// spill loop cap
		SpillIterations int `yaml:"spill_iterations"`

		// post-compilation limits
		MaxInstructions int `yaml:"max_instructions"`
		MaxScratchSlots int `yaml:"max_scratch_slots"`

		Quirks Quirks `yaml:"quirks"`
	}

	Quirks uint32
)

const (
	// QuirkSingleLoadStore disables load/store dual issue.
	QuirkSingleLoadStore Quirks = 1 << iota

	// QuirkNoBackToBack forces a warp switch between all clauses.
	QuirkNoBackToBack
)

var presets = map[string]Target{
	"g52": {
		Name:            "g52",
		Gen:             6,
		WorkRegisters:   16,
		LoadStoreBase:   26,
		LoadStoreCount:  2,
		TexReadBase:     28,
		TexReadCount:    2,
		TexWriteBase:    28,
		TexWriteCount:   2,
		ClauseLimit:     13,
		Lookahead:       6,
		SpillIterations: 1000,
		MaxInstructions: 1 << 16,
		MaxScratchSlots: 256,
	},
	"t760": {
		Name:            "t760",
		Gen:             5,
		WorkRegisters:   16,
		LoadStoreBase:   26,
		LoadStoreCount:  2,
		TexReadBase:     28,
		TexReadCount:    2,
		TexWriteBase:    28,
		TexWriteCount:   2,
		ClauseLimit:     13,
		Lookahead:       6,
		SpillIterations: 1000,
		MaxInstructions: 1 << 16,
		MaxScratchSlots: 256,
		Quirks:          QuirkSingleLoadStore,
	},
}

func Preset(name string) (*Target, error) {
	t, ok := presets[name]
	if !ok {
		return nil, errors.New("unknown target: %v", name)
	}

	return &t, nil
}

// Load reads a yaml target description. Fields left out fall back to the
// base preset named in the file, or to g52.
func Load(data []byte) (*Target, error) {
	var head struct {
		Base string `yaml:"base"`
	}

	err := yaml.Unmarshal(data, &head)
	if err != nil {
		return nil, errors.Wrap(err, "parse header")
	}

	base := head.Base
	if base == "" {
		base = "g52"
	}

	t, err := Preset(base)
	if err != nil {
		return nil, errors.Wrap(err, "base")
	}

	err = yaml.Unmarshal(data, t)
	if err != nil {
		return nil, errors.Wrap(err, "parse target")
	}

	err = t.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "validate")
	}

	return t, nil
}

func LoadFile(name string) (*Target, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read target")
	}

	return Load(data)
}

func (t *Target) Validate() error {
	switch {
	case t.WorkRegisters <= 0:
		return errors.New("no work registers")
	case t.ClauseLimit <= 1:
		return errors.New("clause limit too small: %v", t.ClauseLimit)
	case t.Lookahead <= 0:
		return errors.New("lookahead must be positive")
	case t.SpillIterations <= 0:
		return errors.New("spill iteration cap must be positive")
	}

	return nil
}

func (q Quirks) Has(x Quirks) bool { return q&x == x }
