package telegram

import "strings"

// Telegram rejects messages over 4096 characters. Splitting prefers a
// newline boundary once a chunk passes the soft limit so code blocks and
// paragraphs stay readable.
const (
	hardLimit = 4096
	softLimit = 3800
)

// SplitMessage splits text into send-sized chunks.
func SplitMessage(text string) []string {
	if len(text) <= hardLimit {
		return []string{text}
	}

	var chunks []string
	for len(text) > hardLimit {
		cut := hardLimit
		// Look for the last newline between the soft and hard limits.
		if i := strings.LastIndexByte(text[softLimit:hardLimit], '\n'); i >= 0 {
			cut = softLimit + i + 1
		} else if i := strings.LastIndexByte(text[softLimit:hardLimit], ' '); i >= 0 {
			cut = softLimit + i + 1
		}
		// Never split inside a UTF-8 sequence.
		for cut > 0 && text[cut]&0xC0 == 0x80 {
			cut--
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
