package examsheet

import "math"

// targetAreaFraction is the page-area fraction a question card typically
// occupies; candidates are ranked by their distance from it.
const targetAreaFraction = 0.12

// bboxChanged reports whether any component moved by more than 1e-3.
func bboxChanged(a, b *BBox) bool {
	if a == nil || b == nil {
		return a != b
	}
	const eps = 1e-3
	return math.Abs(a.X-b.X) > eps || math.Abs(a.Y-b.Y) > eps ||
		math.Abs(a.W-b.W) > eps || math.Abs(a.H-b.H) > eps
}

// resolveBBox clips an OCR bbox of unknown convention onto the page. OCR
// models return rectangles in several shapes; each candidate interprets the
// raw numbers differently, and the one whose area is closest to a plausible
// card size wins.
func resolveBBox(raw BBox, pageW, pageH float64) BBox {
	if pageW <= 0 || pageH <= 0 {
		return BBox{X: 0, Y: 0, W: 1, H: 1}
	}

	candidates := []BBox{
		// Fully normalized x, y, w, h.
		{X: raw.X * pageW, Y: raw.Y * pageH, W: raw.W * pageW, H: raw.H * pageH},
		// Normalized with (W, H) actually the bottom-right corner.
		{X: raw.X * pageW, Y: raw.Y * pageH, W: (raw.W - raw.X) * pageW, H: (raw.H - raw.Y) * pageH},
		// Pixel lengths.
		{X: raw.X, Y: raw.Y, W: raw.W, H: raw.H},
		// Pixel bottom-right corner.
		{X: raw.X, Y: raw.Y, W: raw.W - raw.X, H: raw.H - raw.Y},
	}

	best := candidates[0]
	bestPenalty := math.Inf(1)
	for _, c := range candidates {
		clipped := clipToPage(c, pageW, pageH)
		p := penalty(clipped, pageW, pageH)
		if p < bestPenalty {
			bestPenalty = p
			best = clipped
		}
	}

	if best.W <= 0 || best.H <= 0 {
		return BBox{X: 0, Y: 0, W: pageW, H: pageH}
	}
	return best
}

func clipToPage(b BBox, pageW, pageH float64) BBox {
	x := math.Max(0, math.Min(b.X, pageW))
	y := math.Max(0, math.Min(b.Y, pageH))
	w := math.Ceil(math.Max(0, math.Min(b.W, pageW-x)))
	h := math.Ceil(math.Max(0, math.Min(b.H, pageH-y)))
	return BBox{X: math.Floor(x), Y: math.Floor(y), W: w, H: h}
}

// penalty is the distance of the candidate's area fraction from the target,
// blown up for degenerate (<0.05%) or near-full-page (>90%) candidates.
func penalty(b BBox, pageW, pageH float64) float64 {
	area := (b.W * b.H) / (pageW * pageH)
	p := math.Abs(area - targetAreaFraction)
	if area < 0.0005 || area > 0.90 {
		p += 10
	}
	return p
}

// normalizeBBox converts a pixel bbox back to 0..1 page coordinates.
func normalizeBBox(b BBox, pageW, pageH float64) BBox {
	if pageW <= 0 || pageH <= 0 {
		return BBox{X: 0, Y: 0, W: 1, H: 1}
	}
	return BBox{X: b.X / pageW, Y: b.Y / pageH, W: b.W / pageW, H: b.H / pageH}
}
