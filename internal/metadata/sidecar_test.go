package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castml/promptcast/internal/model"
)

func classifierConfig(t *testing.T) *model.Config {
	t.Helper()
	raw := `{
		"vocab_size": 128100,
		"hidden_size": 768,
		"num_hidden_layers": 12,
		"num_attention_heads": 12,
		"intermediate_size": 3072,
		"position_buckets": 256,
		"max_relative_positions": 512,
		"layer_norm_eps": 1e-7,
		"target_sizes": {
			"task_type": 12,
			"creativity_scope": 3,
			"reasoning": 2,
			"contextual_knowledge": 2,
			"number_of_few_shots": 6,
			"domain_knowledge": 4,
			"no_label_reason": 1,
			"constraint_ct": 2
		},
		"task_type_map": {"0": "Brainstorming", "1": "Chatbot", "2": "Classification"},
		"weights_map": {"creativity_scope": [0.0, 0.5, 1.0], "reasoning": [0.0, 1.0]},
		"divisor_map": {"creativity_scope": 1.0, "reasoning": 1.0}
	}`
	var cfg model.Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	return &cfg
}

func TestFromConfigOutputNames(t *testing.T) {
	s := FromConfig(classifierConfig(t))

	assert.Equal(t, []string{
		"logits_task_type",
		"logits_creativity_scope",
		"logits_reasoning",
		"logits_contextual_knowledge",
		"logits_few_shots",
		"logits_domain_knowledge",
		"logits_no_label_reason",
		"logits_constraint_ct",
	}, s.OutputNames)
	require.NoError(t, s.Validate())
}

func TestWriteLoadRoundTrip(t *testing.T) {
	cfg := classifierConfig(t)
	s := FromConfig(cfg)

	dir := t.TempDir()
	path, err := Write(dir, s)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, s.TaskTypeMap, loaded.TaskTypeMap)
	assert.Equal(t, s.WeightsMap, loaded.WeightsMap)
	assert.Equal(t, s.DivisorMap, loaded.DivisorMap)
	assert.Equal(t, s.OutputNames, loaded.OutputNames)
	assert.Equal(t, s.TargetSizes.Names, loaded.TargetSizes.Names)
	assert.Equal(t, s.TargetSizes.Sizes, loaded.TargetSizes.Sizes)
}

func TestSidecarKeyLayout(t *testing.T) {
	s := FromConfig(classifierConfig(t))
	dir := t.TempDir()
	path, err := Write(dir, s)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &top))
	for _, key := range []string{"task_type_map", "weights_map", "divisor_map", "target_sizes", "output_names"} {
		assert.Contains(t, top, key)
	}
	assert.Len(t, top, 5)

	// target_sizes keeps declaration order on disk.
	var sizes struct {
		TargetSizes model.OrderedSizes `json:"target_sizes"`
	}
	require.NoError(t, json.Unmarshal(data, &sizes))
	assert.Equal(t, s.TargetSizes.Names, sizes.TargetSizes.Names)
}

func TestValidateRejectsMisalignedNames(t *testing.T) {
	s := FromConfig(classifierConfig(t))
	s.OutputNames = s.OutputNames[:3]
	assert.Error(t, s.Validate())

	s = FromConfig(classifierConfig(t))
	s.OutputNames[1] = s.OutputNames[0]
	assert.Error(t, s.Validate())
}
