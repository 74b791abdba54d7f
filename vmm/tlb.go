package vmm

import "fmt"

// Replacement selects the TLB victim once all entries are in use.
type Replacement uint8

const (
	FIFO Replacement = iota
	LRU
)

// ParseReplacement converts the configuration spelling of a policy.
func ParseReplacement(s string) (Replacement, error) {
	switch s {
	case "", "FIFO":
		return FIFO, nil
	case "LRU":
		return LRU, nil
	}
	return FIFO, fmt.Errorf("unknown TLB replacement %q", s)
}

type tlbEntry struct {
	vpn      uint64
	pfn      uint64
	global   bool
	gen      uint64 // kernel generation a global entry was filled in
	lastUsed uint64
	valid    bool
}

// TLB caches translations of one address space. Entries for the kernel
// half are tagged with the mapper's kernel generation so a kernel unmap
// done through any address space invalidates them everywhere.
type TLB struct {
	entries []tlbEntry
	policy  Replacement
	next    int // FIFO victim
	clock   uint64

	Hits   uint64
	Misses uint64
}

func newTLB(size int, policy Replacement) *TLB {
	return &TLB{entries: make([]tlbEntry, size), policy: policy}
}

func (t *TLB) lookup(vpn, kernelGen uint64) (uint64, bool) {
	for i := range t.entries {
		e := &t.entries[i]
		if !e.valid || e.vpn != vpn {
			continue
		}
		if e.global && e.gen != kernelGen {
			e.valid = false
			break
		}
		t.clock++
		e.lastUsed = t.clock
		t.Hits++
		return e.pfn, true
	}
	t.Misses++
	return 0, false
}

func (t *TLB) insert(vpn, pfn uint64, global bool, kernelGen uint64) {
	if len(t.entries) == 0 {
		return
	}
	t.clock++
	entry := tlbEntry{vpn: vpn, pfn: pfn, global: global, gen: kernelGen, lastUsed: t.clock, valid: true}

	for i := range t.entries {
		if !t.entries[i].valid {
			t.entries[i] = entry
			return
		}
	}

	victim := 0
	switch t.policy {
	case FIFO:
		victim = t.next
		t.next = (t.next + 1) % len(t.entries)
	case LRU:
		for i, e := range t.entries {
			if e.lastUsed < t.entries[victim].lastUsed {
				victim = i
			}
		}
	}
	t.entries[victim] = entry
}

func (t *TLB) invalidate(vpn uint64) {
	for i := range t.entries {
		if t.entries[i].vpn == vpn {
			t.entries[i].valid = false
		}
	}
}

// Flush drops every entry.
func (t *TLB) Flush() {
	for i := range t.entries {
		t.entries[i].valid = false
	}
}
