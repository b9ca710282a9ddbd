package memory

import "strings"

const minRecallChars = 100

// FormatRecall renders recalled memories as the block injected into the
// system prompt. maxChars bounds the memories and their separators; the
// budget is split evenly and each memory is cut to its share. When the share
// would fall below minRecallChars, the least relevant memories are dropped
// instead. maxChars <= 0 disables the bound.
func FormatRecall(memories []string, maxChars int) string {
	var b strings.Builder
	b.WriteString("<recall_memory>\n")
	if len(memories) > 0 {
		per := 0
		if maxChars > 0 {
			n := len(memories)
			per = (maxChars - (n - 1)) / n
			if per < minRecallChars {
				n = (maxChars + 1) / (minRecallChars + 1)
				if n < 1 {
					n = 1
				}
				if n < len(memories) {
					memories = memories[:n]
				}
				per = (maxChars - (len(memories) - 1)) / len(memories)
			}
		}
		lines := make([]string, len(memories))
		for i, m := range memories {
			lines[i] = truncate(m, per)
		}
		b.WriteString(strings.Join(lines, "\n"))
	}
	b.WriteString("\n</recall_memory>")
	return b.String()
}

// truncate cuts s to at most max runes, marking the cut.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
