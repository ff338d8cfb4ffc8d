package indexer

import (
	"strings"

	"github.com/000haoji/deep-student/internal/storage"
)

// ChunkText splits text into chunks per the configured strategy and drops
// garbled chunks. Surviving chunks are renumbered contiguously.
func ChunkText(text string, cfg ChunkingConfig) []Chunk {
	var chunks []Chunk
	switch cfg.Strategy {
	case "semantic":
		chunks = semanticChunks(text, cfg)
		if len(chunks) == 0 {
			chunks = fixedSizeChunks(text, cfg)
		}
	default:
		chunks = fixedSizeChunks(text, cfg)
	}
	return FilterChunks(chunks)
}

// ChunkTextWithPages chunks each page independently, stamping page_index and
// source_id onto every emitted chunk and assigning a global index.
func ChunkTextWithPages(pages []storage.IndexablePage, cfg ChunkingConfig) []Chunk {
	var all []Chunk
	for _, page := range pages {
		pageIndex := page.PageIndex
		for _, c := range ChunkText(page.Text, cfg) {
			idx := pageIndex
			c.PageIndex = &idx
			c.SourceID = page.SourceID
			c.Index = len(all)
			all = append(all, c)
		}
	}
	return all
}

// fixedSizeChunks slides a rune window of chunk_size with chunk_overlap,
// dropping windows shorter than min_chunk_size.
func fixedSizeChunks(text string, cfg ChunkingConfig) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := cfg.ChunkSize - cfg.ChunkOverlap
	if step <= 0 {
		step = cfg.ChunkSize
	}

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + cfg.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		body := strings.TrimSpace(string(runes[start:end]))
		if len([]rune(body)) >= cfg.MinChunkSize {
			chunks = append(chunks, Chunk{
				Index:    len(chunks),
				Text:     body,
				StartPos: start,
				EndPos:   end,
			})
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// paragraph is a blank-line-delimited span with its rune offsets.
type paragraph struct {
	text  string
	start int
	end   int
}

func splitParagraphs(text string) []paragraph {
	runes := []rune(text)
	var paras []paragraph
	start := -1
	blankRun := 0
	flush := func(end int) {
		if start < 0 {
			return
		}
		body := strings.TrimSpace(string(runes[start:end]))
		if body != "" {
			paras = append(paras, paragraph{text: body, start: start, end: end})
		}
		start = -1
	}
	for i, r := range runes {
		if r == '\n' {
			blankRun++
			if blankRun >= 2 {
				flush(i)
			}
			continue
		}
		if r != ' ' && r != '\t' && r != '\r' {
			blankRun = 0
			if start < 0 {
				start = i
			}
		}
	}
	flush(len(runes))
	return paras
}

// semanticChunks packs blank-line paragraphs greedily under chunk_size. An
// oversized paragraph becomes its own chunk.
func semanticChunks(text string, cfg ChunkingConfig) []Chunk {
	paras := splitParagraphs(text)
	if len(paras) == 0 {
		return nil
	}

	var chunks []Chunk
	var group []paragraph
	groupLen := 0
	flush := func() {
		if len(group) == 0 {
			return
		}
		parts := make([]string, len(group))
		for i, p := range group {
			parts[i] = p.text
		}
		body := strings.Join(parts, "\n\n")
		if len([]rune(body)) >= cfg.MinChunkSize {
			chunks = append(chunks, Chunk{
				Index:    len(chunks),
				Text:     body,
				StartPos: group[0].start,
				EndPos:   group[len(group)-1].end,
			})
		}
		group = nil
		groupLen = 0
	}

	for _, p := range paras {
		pLen := len([]rune(p.text))
		if groupLen > 0 && groupLen+pLen+2 > cfg.ChunkSize {
			flush()
		}
		group = append(group, p)
		groupLen += pLen + 2
		if pLen >= cfg.ChunkSize {
			flush()
		}
	}
	flush()
	return chunks
}
