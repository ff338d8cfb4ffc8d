package examsheet

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/000haoji/deep-student/internal/approot"
)

const tempPrefix = "images/exam_temp/"

// archiveSessionAssets copies any page or card asset still living under
// images/exam_temp/ into images/exam_sheet_archive/{session_id}/ and rewrites
// the stored paths. Returns whether anything moved.
func archiveSessionAssets(root *approot.Root, detail *SessionDetail) (bool, error) {
	changed := false
	move := func(rel string) (string, error) {
		if !strings.HasPrefix(rel, tempPrefix) {
			return rel, nil
		}
		name := path.Base(rel)
		destDir := root.ExamSessionArchiveDir(detail.SessionID)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create archive dir: %w", err)
		}
		src := filepath.Join(root.Base(), filepath.FromSlash(rel))
		dest := filepath.Join(destDir, name)
		if _, err := os.Stat(dest); err != nil {
			data, err := os.ReadFile(src)
			if err != nil {
				return "", fmt.Errorf("failed to read temp asset %s: %w", rel, err)
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return "", fmt.Errorf("failed to archive asset %s: %w", rel, err)
			}
		}
		changed = true
		return path.Join("images", "exam_sheet_archive", detail.SessionID, name), nil
	}

	for pi := range detail.Pages {
		page := &detail.Pages[pi]
		if page.ImagePath != "" {
			rel, err := move(page.ImagePath)
			if err != nil {
				return changed, err
			}
			page.ImagePath = rel
		}
		for ci := range page.Cards {
			card := &page.Cards[ci]
			if card.ThumbnailPath != "" {
				rel, err := move(card.ThumbnailPath)
				if err != nil {
					return changed, err
				}
				card.ThumbnailPath = rel
			}
		}
	}
	return changed, nil
}
