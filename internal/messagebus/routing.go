package messagebus

// pickRoundRobin returns the member at the group's cursor and advances it.
func (b *Bus) pickRoundRobin(group string, members []string) string {
	b.cursorMu.Lock()
	defer b.cursorMu.Unlock()

	idx := b.cursors[group] % len(members)
	b.cursors[group] = idx + 1
	return members[idx]
}

// pickLeastLoaded returns the member with the fewest pending messages.
// Members within the fairness window of the minimum are tied; the first tied
// member at or after the group's cursor wins and the cursor moves past it.
// Callers hold mu for reading.
func (b *Bus) pickLeastLoaded(group string, members []string) string {
	pending := make([]int, len(members))
	least := -1
	for i, id := range members {
		pending[i] = len(b.inboxes[id].ch)
		if least < 0 || pending[i] < least {
			least = pending[i]
		}
	}

	b.cursorMu.Lock()
	defer b.cursorMu.Unlock()

	start := b.cursors[group] % len(members)
	for i := range members {
		idx := (start + i) % len(members)
		if pending[idx] <= least+b.cfg.FairnessWindow {
			b.cursors[group] = idx + 1
			return members[idx]
		}
	}
	// unreachable: the minimum is always within the window
	return members[start]
}
