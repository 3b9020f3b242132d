package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticProviderQuery(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "general", Content: "always confirm amounts"},
		{Title: "slippage", Content: "default slippage is 0.5%", Keywords: []string{"swap"}},
		{Title: "bridge", Content: "bridges take minutes", Tags: []string{"bridge"}},
	}, 5)

	got := provider.Query("Swap 100 USDC for ETH")
	if len(got) != 2 || got[0].Title != "general" || got[1].Title != "slippage" {
		t.Fatalf("unexpected snippets: %+v", got)
	}

	got = provider.Query("bridge to base")
	if len(got) != 2 || got[1].Title != "bridge" {
		t.Fatalf("tags should match: %+v", got)
	}

	var nilProvider *StaticProvider
	if nilProvider.Query("swap") != nil {
		t.Fatalf("nil provider should return nil")
	}
}

func TestStaticProviderMaxResults(t *testing.T) {
	provider := NewStaticProvider([]Snippet{{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"}}, 0)
	if got := provider.Query("anything"); len(got) != 3 {
		t.Fatalf("default max results should be 3, got %d", len(got))
	}
}

func TestLoadStaticProviderFormats(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "kb.yaml")
	if err := os.WriteFile(yamlPath, []byte("- title: gas\n  content: keep ETH for gas\n  keywords: [swap]\n"), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	jsonPath := filepath.Join(dir, "kb.json")
	if err := os.WriteFile(jsonPath, []byte(`[{"title":"x402","content":"payments settle in USDC","keywords":["pay"]}]`), 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}

	p, err := LoadStaticProvider(yamlPath, 3)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if got := p.Query("swap it"); len(got) != 1 || got[0].Content != "keep ETH for gas" {
		t.Fatalf("unexpected yaml snippets: %+v", got)
	}

	p, err = LoadStaticProvider(jsonPath, 3)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if got := p.Query("pay the invoice"); len(got) != 1 {
		t.Fatalf("unexpected json snippets: %+v", got)
	}

	if _, err := LoadStaticProvider("", 3); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := ParseSnippets([]byte("{"), ".json"); err == nil {
		t.Fatalf("expected parse error")
	}
}
