package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/opendx-health/opendx/internal/models"
)

// reveal grows the target message's text by one character per tick until the
// finalized answer is fully disclosed, then appends the references block in
// one final mutation. The chain is an explicit rescheduling timer, not
// recursion: each tick re-arms time.AfterFunc until done or invalidated.
type reveal struct {
	c          *Conversation
	generation int
	caseID     string
	messageID  string
	full       []rune
	index      int
	interval   time.Duration
}

// startRevealLocked binds a reveal chain to the most recently appended
// message. Callers must hold c.mu. A message is only ever targeted once, so
// at most one chain mutates any given message.
func (c *Conversation) startRevealLocked(full string) {
	last := &c.current.Messages[len(c.current.Messages)-1]
	r := &reveal{
		c:          c,
		generation: c.generation,
		caseID:     c.current.ID,
		messageID:  last.ID,
		full:       []rune(full),
		interval:   c.revealInterval,
	}
	time.AfterFunc(r.interval, r.tick)
}

// validLocked reports whether the chain may still mutate its target: the
// conversation must hold the same case (generation and id both checked, so a
// replacing case can never be touched by a stale timer) and the target must
// still be the last message.
func (r *reveal) validLocked() bool {
	current := r.c.current
	if current == nil || r.generation != r.c.generation || current.ID != r.caseID {
		return false
	}
	if len(current.Messages) == 0 {
		return false
	}
	return current.Messages[len(current.Messages)-1].ID == r.messageID
}

func (r *reveal) tick() {
	c := r.c
	c.mu.Lock()
	if !r.validLocked() {
		c.mu.Unlock()
		return
	}

	target := &c.current.Messages[len(c.current.Messages)-1]
	if r.index < len(r.full) {
		r.index++
		target.Text = string(r.full[:r.index])
		c.current.UpdatedAt = time.Now()
		if r.index < len(r.full) || len(c.current.Evidence) > 0 {
			time.AfterFunc(r.interval, r.tick)
		}
		c.mu.Unlock()
		c.notify()
		return
	}

	// Fully revealed: the references block is appended whole, never
	// character by character.
	if len(c.current.Evidence) > 0 {
		target.Text += formatReferences(c.current.Evidence)
		c.current.UpdatedAt = time.Now()
	}
	c.mu.Unlock()
	c.notify()
}

// formatReferences renders the evidence snippets as an ordered reference
// block, preferring the citation and falling back to the source id.
func formatReferences(evidence []models.EvidenceSnippet) string {
	var b strings.Builder
	b.WriteString("\n\nReferences:")
	for i, snippet := range evidence {
		label := snippet.Citation
		if label == "" {
			label = snippet.SourceID
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, label)
	}
	return b.String()
}
