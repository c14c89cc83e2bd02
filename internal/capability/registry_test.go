package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoTool(name, version string, schema map[string]any) Func {
	return Func{
		Meta: ToolCard{Name: name, Version: version, Description: name + " tool", ArgSchemaHint: `{"q": string}`, InputSchema: schema},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"version": version, "args": args}, nil
		},
	}
}

func TestRegistryInvokeUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrToolMissing)
	require.False(t, r.Has("nope"))
}

func TestRegistryListToolsSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("web_search", "v1", nil)))
	require.NoError(t, r.Register(echoTool("doc_search", "v1", nil)))

	got := r.ListTools()
	require.Equal(t, []Descriptor{
		{Name: "doc_search", Description: "doc_search tool", ArgSchemaHint: `{"q": string}`},
		{Name: "web_search", Description: "web_search tool", ArgSchemaHint: `{"q": string}`},
	}, got)
}

func TestRegistryKeepsHighestVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("fetch", "v1.2", nil)))
	require.NoError(t, r.Register(echoTool("fetch", "v1.10", nil)))
	require.NoError(t, r.Register(echoTool("fetch", "v1.3", nil)))

	out, err := r.Invoke(context.Background(), "fetch", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "v1.10", out.(map[string]any)["version"])
}

func TestRegistryValidatesArgs(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"q"},
		"properties": map[string]any{
			"q":     map[string]any{"type": "string", "minLength": 1},
			"limit": map[string]any{"type": "integer"},
		},
	}
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("web_search", "v1", schema)))

	_, err := r.Invoke(context.Background(), "web_search", map[string]any{"q": "golang", "limit": 5})
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "web_search", map[string]any{"limit": "five"})
	var te *ToolError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "web_search", te.Tool)
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(echoTool("broken", "v1", map[string]any{"type": 12}))
	require.Error(t, err)
}

func TestRegistryWrapsToolFailures(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("upstream down")
	require.NoError(t, r.Register(Func{
		Meta: ToolCard{Name: "flaky"},
		Fn:   func(context.Context, map[string]any) (any, error) { return nil, boom },
	}))

	_, err := r.Invoke(context.Background(), "flaky", nil)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, boom)
}

func TestVerifyToolCard(t *testing.T) {
	secret := "top-secret"
	tc := ToolCard{Name: "weather", Version: "v1", Description: "forecast"}
	sum, err := ComputeChecksum(tc)
	require.NoError(t, err)
	tc.Checksum = sum
	sig, err := SignToolCard(tc, secret)
	require.NoError(t, err)
	tc.Signature = sig

	require.NoError(t, VerifyToolCard(tc, secret))
	require.NoError(t, VerifyToolCard(tc, ""))

	tampered := tc
	tampered.Description = "something else"
	require.ErrorContains(t, VerifyToolCard(tampered, ""), "checksum")

	badSig := tc
	badSig.Signature = "deadbeef"
	require.ErrorContains(t, VerifyToolCard(badSig, secret), "signature")

	_, err = SignToolCard(tc, "")
	require.Error(t, err)
}

func TestDecodeArgs(t *testing.T) {
	var got struct {
		Query string   `json:"query"`
		K     int      `json:"k"`
		Sites []string `json:"sites"`
	}
	err := DecodeArgs(map[string]any{"query": "go", "k": float64(3), "sites": []any{"a.com"}}, &got)
	require.NoError(t, err)
	require.Equal(t, "go", got.Query)
	require.Equal(t, 3, got.K)
	require.Equal(t, []string{"a.com"}, got.Sites)

	require.Error(t, DecodeArgs(map[string]any{"k": "three"}, &got))
}

func TestRegistryCardsSorted(t *testing.T) {
	r := NewRegistry()
	schema := map[string]any{"type": "object"}
	require.NoError(t, r.Register(echoTool("web_search", "v1", schema)))
	require.NoError(t, r.Register(echoTool("doc_search", "v2", nil)))

	cards := r.Cards()
	require.Len(t, cards, 2)
	require.Equal(t, "doc_search", cards[0].Name)
	require.Equal(t, "v2", cards[0].Version)
	require.Equal(t, schema, cards[1].InputSchema)
}
