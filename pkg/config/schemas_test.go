package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRegistryBuiltin(t *testing.T) {
	sr := NewSchemaRegistry()
	assert.Equal(t, []string{ManifestSchema}, sr.ListSchemas())

	_, ok := sr.GetSchema(ManifestSchema)
	assert.True(t, ok)
}

func TestValidateAgainstManifestSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	valid := &Manifest{
		Name: "shop",
		Resources: []ResourceConfig{
			{ID: "db", Deploy: &ActionConfig{Kind: ActionKindSleep, Duration: Duration(1e9)}},
		},
	}
	require.NoError(t, sr.ValidateAgainstSchema(ManifestSchema, valid))

	invalid := &Manifest{
		Name:      "shop",
		Resources: []ResourceConfig{{ID: "db", Wait: "some"}},
	}
	err := sr.ValidateAgainstSchema(ManifestSchema, invalid)
	require.Error(t, err)
	assert.IsType(t, ValidationErrors{}, err)
}

func TestRegisterCustomSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	require.NoError(t, sr.RegisterSchema("team", `#Team: {team: "data" | "web"}`, "#Team"))

	assert.NoError(t, sr.ValidateAgainstSchema("team", map[string]string{"team": "data"}))
	assert.Error(t, sr.ValidateAgainstSchema("team", map[string]string{"team": "ops"}))

	assert.Error(t, sr.RegisterSchema("broken", `#X: {`, "#X"))
	assert.Error(t, sr.RegisterSchema("missing", `#X: {}`, "#Y"))
	assert.Error(t, sr.ValidateAgainstSchema("nope", nil))
}
