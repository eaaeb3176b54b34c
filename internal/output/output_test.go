package output

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("yml")
	require.NoError(t, err)
	require.Equal(t, FormatYAML, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func sampleRoutes() []Route {
	return []Route{
		{Kind: KindHost, Path: "/health"},
		{Kind: KindMount, Path: "/portfolio/*", Module: "portfolio", Policies: []string{"rate_limit", "connection_timeout"}},
		{Kind: KindUpgrade, Path: "/socket", Module: "tictactoe"},
	}
}

func TestFormatRoutesTable(t *testing.T) {
	rendered, err := FormatRoutes(FormatTable, sampleRoutes())
	require.NoError(t, err)
	require.Contains(t, rendered, "/portfolio/*")
	require.Contains(t, rendered, "rate_limit, connection_timeout")
	require.Contains(t, rendered, "tictactoe")
	require.Contains(t, rendered, "1 host, 1 mounted, 1 upgrade")
}

func TestFormatRoutesJSON(t *testing.T) {
	rendered, err := FormatRoutes(FormatJSON, sampleRoutes())
	require.NoError(t, err)
	require.Contains(t, rendered, "\"kind\": \"upgrade\"")
	require.Contains(t, rendered, "\"module\": \"portfolio\"")
	require.NotContains(t, rendered, "\"policies\": null")
}

func TestFormatValueYAML(t *testing.T) {
	value := map[string]any{
		"server": map[string]any{"port": 3000},
	}

	rendered, err := FormatValue(FormatYAML, value)
	require.NoError(t, err)
	require.Equal(t, "server:\n  port: 3000\n", rendered)

	rendered, err = FormatValue(FormatTable, value)
	require.NoError(t, err)
	require.Contains(t, rendered, "port: 3000")
}
