// Package segment cuts recognizer text into utterances and names them.
package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator hands out utterance IDs unique within the process.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next(sessionID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-utt-%d", sessionID, n)
}
