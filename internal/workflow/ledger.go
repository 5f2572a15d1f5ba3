package workflow

import (
	"fmt"
	"strings"
	"sync"
)

// Ledger collects human-readable errors per file for one run. Entries are
// keyed by file id and keep the order in which files first reported an
// error. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*ledgerEntry
}

type ledgerEntry struct {
	name     string
	messages []string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*ledgerEntry)}
}

// Add appends a message to the entry for fileID. name is the display name
// used when rendering.
func (l *Ledger) Add(fileID, name, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[fileID]
	if !ok {
		e = &ledgerEntry{name: name}
		l.entries[fileID] = e
		l.order = append(l.order, fileID)
	}
	e.messages = append(e.messages, msg)
}

// Addf is Add with formatting.
func (l *Ledger) Addf(fileID, name, format string, a ...any) {
	l.Add(fileID, name, fmt.Sprintf(format, a...))
}

// Empty reports whether nothing has been recorded.
func (l *Ledger) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order) == 0
}

// String renders the ledger as
//
//	fileName:
//	  - err1
//	  - err2
//
// with one block per file joined by newlines. Files sharing a display name
// are told apart by their id.
func (l *Ledger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	nameCount := make(map[string]int, len(l.order))
	for _, id := range l.order {
		nameCount[l.entries[id].name]++
	}

	blocks := make([]string, 0, len(l.order))
	for _, id := range l.order {
		e := l.entries[id]
		var b strings.Builder
		b.WriteString(e.name)
		if nameCount[e.name] > 1 {
			fmt.Fprintf(&b, " (%s)", id)
		}
		b.WriteString(":")
		for _, msg := range e.messages {
			b.WriteString("\n  - ")
			b.WriteString(msg)
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n")
}
