package storage

import (
	"testing"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require.Equal(t, "uploads/u1/j1/original.jpg", OriginalKey("u1", "j1", model.JPEG))
	require.Equal(t, "uploads/u1/j1/original.png", OriginalKey("u1", "j1", model.PNG))
	require.Equal(t, "uploads/u1/j1/mask.png", MaskKey("u1", "j1"))
	require.Equal(t, "edited/u1/j1/result.png", ResultKey("u1", "j1", model.PNG))
	require.Equal(t, "edited/u1/j1/result.jpg", ResultKey("u1", "j1", model.JPEG))
	require.Equal(t, "edited/u1/j1/result.png", ResultKey("u1", "j1", "image/webp"))
}

func TestKeys_NamespacedPerJob(t *testing.T) {
	require.NotEqual(t, ResultKey("u1", "j1", model.PNG), ResultKey("u1", "j2", model.PNG))
	require.NotEqual(t, ResultKey("u1", "j1", model.PNG), ResultKey("u2", "j1", model.PNG))
}
