package tools

import (
	"slices"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello, World!", []string{"hello", "world"}},
		{"v2.1 setup_guide", []string{"v2", "1", "setup", "guide"}},
		{"部署指南", []string{"部", "署", "指", "南"}},
		{"API 密钥", []string{"api", "密", "钥"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		if got := tokenize(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIndexSearch(t *testing.T) {
	docs := []*document{
		{Path: "install.md", Title: "Installation", Body: "Download the binary and run install."},
		{Path: "deploy.md", Title: "Deploy", Body: "Deploy with docker. Install docker first."},
		{Path: "faq.md", Title: "FAQ", Body: "Common questions about billing."},
	}
	ix := newIndex(docs)

	hits := ix.search("installation", 5)
	if len(hits) != 1 || hits[0].doc.Path != "install.md" {
		t.Fatalf("search(installation) = %+v", hits)
	}

	hits = ix.search("docker", 5)
	if len(hits) != 1 || hits[0].doc.Path != "deploy.md" {
		t.Fatalf("search(docker) = %+v", hits)
	}

	hits = ix.search("install deploy billing", 2)
	if len(hits) != 2 {
		t.Fatalf("limit not applied: %d hits", len(hits))
	}
	if hits[0].score < hits[1].score {
		t.Errorf("hits not sorted: %v >= %v", hits[0].score, hits[1].score)
	}

	if hits := ix.search("kubernetes", 5); len(hits) != 0 {
		t.Errorf("unexpected hits: %+v", hits)
	}
	if hits := newIndex(nil).search("x", 5); hits != nil {
		t.Errorf("empty index hits = %+v", hits)
	}
}

func TestDocTitleAndSnippet(t *testing.T) {
	body := "intro line\n\n## Getting Started\n\nRun the installer now.\n"
	if got := docTitle(body); got != "Getting Started" {
		t.Errorf("docTitle = %q", got)
	}
	if got := docTitle("no heading"); got != "" {
		t.Errorf("docTitle = %q", got)
	}
	if got := snippet(body, "installer", 10); got != "Run the in…" {
		t.Errorf("snippet = %q", got)
	}
	if got := snippet(body, "absent", 10); got != "" {
		t.Errorf("snippet = %q", got)
	}
}
