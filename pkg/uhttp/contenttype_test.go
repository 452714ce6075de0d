package uhttp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsJSONContentType(t *testing.T) {
	require.True(t, IsJSONContentType("application/vdn+json"))
	require.True(t, IsJSONContentType(" Application/JSON; charset=utf-8"))
	require.False(t, IsJSONContentType("application/xml"))
	require.False(t, IsJSONContentType("text/json"))
}
