package loopmetrics

// DetectPattern checks whether the last windowSize recorded tool calls
// follow a repeating signature pattern of length 1, 2, or 3. This is a
// cheaper, earlier signal than full threshold validation: a window of
// identical alternating calls is a loop even before the duplicate rate
// crosses its ceiling.
func (r *Recorder) DetectPattern(windowSize int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if windowSize <= 0 || len(r.toolCalls) < windowSize {
		return false
	}

	sigs := make([]string, windowSize)
	offset := len(r.toolCalls) - windowSize
	for i := 0; i < windowSize; i++ {
		call := r.toolCalls[offset+i]
		sigs[i] = call.ToolName + ":" + call.ArgsHash
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
