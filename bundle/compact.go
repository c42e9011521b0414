package bundle

// CompactStyles deduplicates per-run style records into one ordered global
// table with dense integer ids. Identity is full structural equality of
// the style value. Id assignment is strict first-occurrence order across
// the whole page sequence in input order - a single traversal, no
// reordering. The input pages are not modified.
func CompactStyles(pages []Page) ([]Page, []TextStyle) {
	ids := make(map[string]int)
	table := make([]TextStyle, 0, 16)

	out := make([]Page, len(pages))
	for i, p := range pages {
		runs := make([]TextRun, len(p.TextRuns))
		copy(runs, p.TextRuns)
		for j := range runs {
			var style TextStyle
			if runs[j].Style != nil {
				style = *runs[j].Style
			}
			key := style.canonicalKey()
			id, ok := ids[key]
			if !ok {
				id = len(table)
				ids[key] = id
				table = append(table, style)
			}
			runs[j].Style = nil
			runs[j].StyleID = id
		}
		out[i] = p
		out[i].TextRuns = runs
	}
	return out, table
}
