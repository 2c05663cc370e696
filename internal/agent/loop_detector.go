package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

const (
	loopWarnThreshold     = 3
	loopCriticalThreshold = 5
)

// toolLoopState tracks repeated identical tool calls within a single run, so
// a model stuck calling the same tool with the same arguments over and over
// can be warned, then stopped, instead of burning iterations forever.
type toolLoopState struct {
	mu    sync.Mutex
	calls map[string]int    // name+argsHash -> times called
	last  map[string]string // argsHash -> most recent result; not read by detect
}

// record hashes args and increments the call counter for name+argsHash,
// returning the argsHash for use with recordResult/detect.
func (s *toolLoopState) record(name string, args map[string]interface{}) string {
	argsHash := hashArgs(args)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[name+"\x00"+argsHash]++
	return argsHash
}

// recordResult remembers the tool's most recent output for argsHash. The
// stored output is not consulted by detect, which counts calls only.
func (s *toolLoopState) recordResult(argsHash, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = make(map[string]string)
	}
	s.last[argsHash] = result
}

// detect reports whether name+argsHash has been called enough times to
// warrant a warning ("warning") or aborting the run ("critical"). An empty
// level means no loop detected.
func (s *toolLoopState) detect(name, argsHash string) (level, msg string) {
	s.mu.Lock()
	count := s.calls[name+"\x00"+argsHash]
	s.mu.Unlock()

	switch {
	case count >= loopCriticalThreshold:
		return "critical", fmt.Sprintf("Tool %s has been called %d times with identical arguments and made no progress.", name, count)
	case count >= loopWarnThreshold:
		return "warning", fmt.Sprintf("Note: %s has now been called %d times with the same arguments. If this isn't working, try a different approach instead of repeating it.", name, count)
	default:
		return "", ""
	}
}

// hashArgs produces a short, stable fingerprint of a tool call's arguments.
func hashArgs(args map[string]interface{}) string {
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
