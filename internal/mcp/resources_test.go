package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluice-ai/sluice/internal/model"
)

func readResource(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	}
}

func resourceText(t *testing.T, contents []mcplib.ResourceContents) mcplib.TextResourceContents {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected text resource contents, got %T", contents[0])
	return tc
}

func TestCatalogResource(t *testing.T) {
	s := newTestServer(t, "openai")

	contents, err := s.handleCatalogResource(context.Background(), readResource("sluice://catalog"))
	require.NoError(t, err)

	tc := resourceText(t, contents)
	assert.Equal(t, "sluice://catalog", tc.URI)
	assert.Equal(t, "application/json", tc.MIMEType)

	var out catalogResource
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &out))
	assert.Len(t, out.Models, 5)
	assert.Equal(t, int64(1), out.Generation)
	assert.False(t, out.BuiltAt.IsZero())
}

func TestModelResource(t *testing.T) {
	s := newTestServer(t, "openai")

	contents, err := s.handleModelResource(context.Background(), readResource("sluice://models/gpt-5"))
	require.NoError(t, err)

	tc := resourceText(t, contents)
	assert.Equal(t, "sluice://models/gpt-5", tc.URI)

	var out model.ModelOption
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &out))
	assert.Equal(t, "gpt-5", out.ModelID)
	assert.Equal(t, "openai", out.Provider)
	require.NotNil(t, out.Pricing)
	assert.InDelta(t, 1.25, out.Pricing.InputPerMTok, 1e-9)
}

func TestModelResourceUnknown(t *testing.T) {
	s := newTestServer(t, "openai")

	_, err := s.handleModelResource(context.Background(), readResource("sluice://models/ghost"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the catalog")
}

func TestParseModelURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    string
		wantErr bool
	}{
		{name: "plain id", uri: "sluice://models/gpt-4o-mini", want: "gpt-4o-mini"},
		{name: "dotted id", uri: "sluice://models/claude-sonnet-4-5", want: "claude-sonnet-4-5"},
		{name: "wrong resource", uri: "sluice://catalog", wantErr: true},
		{name: "wrong scheme", uri: "other://models/gpt-5", wantErr: true},
		{name: "empty id", uri: "sluice://models/", wantErr: true},
		{name: "extra segments", uri: "sluice://models/gpt-5/pricing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseModelURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
