package llm

import "strings"

// ParseQuestions normalizes raw model output into a clean question list:
// one question per line, whitespace trimmed, empty lines dropped, leading
// "- " bullets and "<n>. " ordinals stripped. Initial and follow-up
// generation share this exact parsing.
func ParseQuestions(response string) []string {
	var questions []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		line = stripOrdinal(line)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		questions = append(questions, line)
	}
	return questions
}

// stripOrdinal removes a "12. " style prefix.
func stripOrdinal(line string) string {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) || line[i] != '.' {
		return line
	}
	rest := line[i+1:]
	if rest != "" && rest[0] != ' ' {
		return line
	}
	return strings.TrimSpace(rest)
}
