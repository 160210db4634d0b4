package consolidate

// HeldUserLocks returns how many users have a run holding or waiting for their lock
func (e *Engine) HeldUserLocks() int {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	return len(e.userLocks)
}
