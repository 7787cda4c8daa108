package translate

// Token estimation uses the common 4-characters-per-token heuristic. It
// backs the count_tokens endpoint and the streamed output_tokens figure when
// the upstream does not report usage.

const charsPerToken = 4

func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	n := chars / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateRequestTokens estimates the input token count of a request by
// summing the text content of the system prompt, all messages and tool
// definitions.
func EstimateRequestTokens(req *MessagesRequest) int {
	chars := len(req.SystemText())

	for _, m := range req.Messages {
		if m.Content.IsText() {
			chars += len(m.Content.Text)
			continue
		}
		for _, b := range m.Content.Blocks {
			chars += len(b.Text)
			chars += len(b.Input)
			chars += len(b.Content)
			chars += len(b.Thinking)
		}
	}

	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.InputSchema)
	}

	return estimateTokens(chars)
}
