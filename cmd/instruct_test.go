package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fieldcmd/core/instruction"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"chargerIdentifier=CP-1", "note=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, instruction.Parameters{
		{Name: "chargerIdentifier", Value: "CP-1"},
		{Name: "note", Value: "a=b"},
		{Name: "empty", Value: ""},
	}, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["instruct"])
	assert.True(t, names["instructions"])
}
