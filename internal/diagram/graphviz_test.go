package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertPNG(t *testing.T, png []byte) {
	t.Helper()
	require.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImageLinear(t *testing.T) {
	model, err := Build(linearGraph(t), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}

func TestRenderImageWithStatus(t *testing.T) {
	model, err := Build(branchGraph(t), branchState())
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}
