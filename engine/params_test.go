package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveParams(t *testing.T) {
	outputs := map[string]map[string]any{
		"build": {
			"image_tag": "v1.2.3",
			"replicas":  3,
			"meta":      map[string]any{"registry": "ghcr.io"},
		},
	}

	t.Run("whole string reference keeps type", func(t *testing.T) {
		got, err := resolveParams("deploy", map[string]any{
			"replicas": "${steps.build.outputs.replicas}",
		}, outputs)
		require.NoError(t, err)
		assert.Equal(t, 3, got["replicas"])
	})

	t.Run("embedded reference is stringified", func(t *testing.T) {
		got, err := resolveParams("deploy", map[string]any{
			"image": "myapp:${steps.build.outputs.image_tag}",
		}, outputs)
		require.NoError(t, err)
		assert.Equal(t, "myapp:v1.2.3", got["image"])
	})

	t.Run("dotted path into nested outputs", func(t *testing.T) {
		got, err := resolveParams("deploy", map[string]any{
			"registry": "${steps.build.outputs.meta.registry}",
		}, outputs)
		require.NoError(t, err)
		assert.Equal(t, "ghcr.io", got["registry"])
	})

	t.Run("nested maps and slices are walked", func(t *testing.T) {
		got, err := resolveParams("deploy", map[string]any{
			"spec": map[string]any{
				"tags": []any{"${steps.build.outputs.image_tag}", "latest"},
			},
		}, outputs)
		require.NoError(t, err)
		spec := got["spec"].(map[string]any)
		assert.Equal(t, []any{"v1.2.3", "latest"}, spec["tags"])
	})

	t.Run("missing output key fails", func(t *testing.T) {
		_, err := resolveParams("deploy", map[string]any{
			"digest": "${steps.build.outputs.digest}",
		}, outputs)
		var pre *ParameterResolutionError
		require.ErrorAs(t, err, &pre)
		assert.Equal(t, "deploy", pre.StepID)
		assert.Contains(t, pre.Reference, "digest")
	})

	t.Run("unknown producer fails", func(t *testing.T) {
		_, err := resolveParams("deploy", map[string]any{
			"x": "${steps.test.outputs.report}",
		}, outputs)
		var pre *ParameterResolutionError
		assert.ErrorAs(t, err, &pre)
	})

	t.Run("no references pass through", func(t *testing.T) {
		got, err := resolveParams("deploy", map[string]any{"plain": "value", "n": 7}, outputs)
		require.NoError(t, err)
		assert.Equal(t, "value", got["plain"])
		assert.Equal(t, 7, got["n"])
	})
}
