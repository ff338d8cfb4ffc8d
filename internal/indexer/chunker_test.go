package indexer

import (
	"strings"
	"testing"

	"github.com/000haoji/deep-student/internal/storage"
)

func TestFixedSizeChunksWindowAndOverlap(t *testing.T) {
	cfg := ChunkingConfig{Strategy: "fixed_size", ChunkSize: 10, ChunkOverlap: 3, MinChunkSize: 1}
	text := strings.Repeat("a", 25)

	chunks := ChunkText(text, cfg)
	if len(chunks) != 4 {
		t.Fatalf("len(chunks) = %d, want 4", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has Index %d", i, c.Index)
		}
	}
	if chunks[0].StartPos != 0 || chunks[1].StartPos != 7 {
		t.Fatalf("starts = %d, %d, want 0 and 7", chunks[0].StartPos, chunks[1].StartPos)
	}
	if chunks[0].Text != strings.Repeat("a", 10) {
		t.Fatalf("chunk 0 = %q", chunks[0].Text)
	}
}

func TestFixedSizeChunksCountRunesNotBytes(t *testing.T) {
	cfg := ChunkingConfig{ChunkSize: 4, ChunkOverlap: 0, MinChunkSize: 1}
	chunks := ChunkText("一二三四五六七八", cfg)
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if chunks[0].Text != "一二三四" || chunks[1].Text != "五六七八" {
		t.Fatalf("chunks = %q, %q", chunks[0].Text, chunks[1].Text)
	}
}

func TestFixedSizeChunksDropShortTail(t *testing.T) {
	cfg := ChunkingConfig{ChunkSize: 10, ChunkOverlap: 0, MinChunkSize: 5}
	chunks := ChunkText(strings.Repeat("b", 12), cfg)
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1 (2-rune tail below min)", len(chunks))
	}
}

func TestSemanticChunksPackParagraphs(t *testing.T) {
	cfg := ChunkingConfig{Strategy: "semantic", ChunkSize: 40, ChunkOverlap: 0, MinChunkSize: 1}
	text := "first paragraph here\n\nsecond one\n\n" + strings.Repeat("x", 60) + "\n\ntail"

	chunks := ChunkText(text, cfg)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "first paragraph here") ||
		!strings.Contains(chunks[0].Text, "second one") {
		t.Fatalf("chunk 0 did not pack both small paragraphs: %q", chunks[0].Text)
	}
	if chunks[1].Text != strings.Repeat("x", 60) {
		t.Fatalf("oversized paragraph not isolated: %q", chunks[1].Text)
	}
	if chunks[2].Text != "tail" {
		t.Fatalf("chunk 2 = %q", chunks[2].Text)
	}
}

func TestSemanticFallsBackToFixed(t *testing.T) {
	cfg := ChunkingConfig{Strategy: "semantic", ChunkSize: 10, ChunkOverlap: 0, MinChunkSize: 20}
	// Every paragraph group is below min_chunk_size, so semantic yields nothing
	// and the fixed-size splitter takes over (which also yields nothing here).
	chunks := ChunkText("short", cfg)
	if len(chunks) != 0 {
		t.Fatalf("len(chunks) = %d, want 0", len(chunks))
	}
}

func TestChunkTextWithPagesStampsMetadata(t *testing.T) {
	cfg := ChunkingConfig{ChunkSize: 100, ChunkOverlap: 0, MinChunkSize: 1}
	pages := []storage.IndexablePage{
		{PageIndex: 0, SourceID: "page-a", Text: "第一页的内容"},
		{PageIndex: 1, SourceID: "page-b", Text: "second page content"},
	}

	chunks := ChunkTextWithPages(pages, cfg)
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has global Index %d", i, c.Index)
		}
		if c.PageIndex == nil || *c.PageIndex != pages[i].PageIndex {
			t.Fatalf("chunk %d PageIndex = %v", i, c.PageIndex)
		}
		if c.SourceID != pages[i].SourceID {
			t.Fatalf("chunk %d SourceID = %q", i, c.SourceID)
		}
	}
}

func TestIsAcceptableText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"plain english", "The derivative of x squared is 2x.", true},
		{"chinese", "函数在该点连续且可导。", true},
		{"mixed cjk punctuation", "第3题：求极限（见下页）", true},
		{"empty", "", false},
		{"replacement flood", strings.Repeat("�", 10) + "ok", false},
		{"control flood", "ab" + strings.Repeat("\x01", 5), false},
		{"mostly uncommon", strings.Repeat("\U000E0041", 8) + "ab", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAcceptableText(tt.text); got != tt.want {
				t.Fatalf("IsAcceptableText(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestFilterChunksRenumbers(t *testing.T) {
	chunks := []Chunk{
		{Index: 0, Text: "good text one"},
		{Index: 1, Text: strings.Repeat("�", 20)},
		{Index: 2, Text: "good text two"},
	}
	out := FilterChunks(chunks)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].Index != 0 || out[1].Index != 1 {
		t.Fatalf("indexes = %d, %d, want contiguous 0, 1", out[0].Index, out[1].Index)
	}
	if out[1].Text != "good text two" {
		t.Fatalf("out[1] = %q", out[1].Text)
	}
}
