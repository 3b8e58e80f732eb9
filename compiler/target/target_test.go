package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreset(t *testing.T) {
	tgt, err := Preset("g52")
	require.NoError(t, err)

	assert.Equal(t, 16, tgt.WorkRegisters)
	assert.Equal(t, 13, tgt.ClauseLimit)
	assert.False(t, tgt.Quirks.Has(QuirkSingleLoadStore))

	old, err := Preset("t760")
	require.NoError(t, err)

	assert.True(t, old.Quirks.Has(QuirkSingleLoadStore))

	_, err = Preset("g1000")
	assert.Error(t, err)
}

func TestPresetIsolated(t *testing.T) {
	a, err := Preset("g52")
	require.NoError(t, err)

	a.WorkRegisters = 4

	b, err := Preset("g52")
	require.NoError(t, err)

	assert.Equal(t, 16, b.WorkRegisters, "presets must not share state")
}

func TestLoad(t *testing.T) {
	tgt, err := Load([]byte(`
base: g52
name: custom
work_registers: 8
lookahead: 4
`))
	require.NoError(t, err)

	assert.Equal(t, "custom", tgt.Name)
	assert.Equal(t, 8, tgt.WorkRegisters)
	assert.Equal(t, 4, tgt.Lookahead)

	// untouched fields come from the base
	assert.Equal(t, 13, tgt.ClauseLimit)
}

func TestLoadBadBase(t *testing.T) {
	_, err := Load([]byte("base: nosuch\n"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load([]byte("work_registers: 0\n"))
	assert.Error(t, err)

	_, err = Load([]byte("lookahead: -1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tgt, err := Preset("g52")
	require.NoError(t, err)

	require.NoError(t, tgt.Validate())

	tgt.ClauseLimit = 1
	assert.Error(t, tgt.Validate())
}
