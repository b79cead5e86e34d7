package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantities(t *testing.T) {
	t.Run("cpu", func(t *testing.T) {
		cases := map[string]int64{
			"500m": 500,
			"1":    1000,
			"2.5":  2500,
		}
		for in, want := range cases {
			got, err := parseCPU(in)
			require.NoError(t, err, in)
			assert.Equal(t, want, got, in)
		}

		_, err := parseCPU("lots")
		assert.Error(t, err)
	})

	t.Run("memory", func(t *testing.T) {
		cases := map[string]int64{
			"512Mi": 512 << 20,
			"1Gi":   1 << 30,
			"1024":  1024,
			"2M":    2_000_000,
		}
		for in, want := range cases {
			got, err := parseMemory(in)
			require.NoError(t, err, in)
			assert.Equal(t, want, got, in)
		}

		_, err := parseMemory("-1Mi")
		assert.Error(t, err)
	})
}

func TestSpecValidate(t *testing.T) {
	limits := ResourceLimits{CPU: "500m", Memory: "512Mi"}

	t.Run("valid spec passes", func(t *testing.T) {
		s := Spec{
			Name:      "test-runner",
			Image:     "ghcr.io/acme/runner:v2",
			Ports:     []PortMapping{{ContainerPort: 8080, HostPort: 0}},
			Resources: ResourceLimits{CPU: "500m", Memory: "512Mi"},
		}
		assert.NoError(t, s.validate(limits))
	})

	t.Run("bad image reference", func(t *testing.T) {
		s := Spec{Name: "x", Image: "Not An Image!"}
		var invalid *InvalidSpecError
		require.ErrorAs(t, s.validate(limits), &invalid)
		assert.Equal(t, "image", invalid.Field)
	})

	t.Run("port out of range", func(t *testing.T) {
		s := Spec{Name: "x", Image: "nginx", Ports: []PortMapping{{ContainerPort: 70000}}}
		var invalid *InvalidSpecError
		require.ErrorAs(t, s.validate(limits), &invalid)
		assert.Equal(t, "ports", invalid.Field)
	})

	t.Run("memory above bound", func(t *testing.T) {
		s := Spec{Name: "x", Image: "nginx", Resources: ResourceLimits{Memory: "1Gi"}}
		var invalid *InvalidSpecError
		require.ErrorAs(t, s.validate(limits), &invalid)
		assert.Equal(t, "resources.memory", invalid.Field)
	})
}
