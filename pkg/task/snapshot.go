package task

// Snapshot is a point-in-time copy of the full aggregate, used by the
// persistence layer to flush to disk and to repopulate the engine on
// startup.
type Snapshot struct {
	Tasks          []*Task
	Communications []*Communication
	AuditEvents    []*AuditEvent
}

// Snapshot captures the current aggregate under a read lock.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &Snapshot{
		Tasks:          make([]*Task, 0, len(e.tasks)),
		Communications: make([]*Communication, 0, len(e.communications)),
		AuditEvents:    make([]*AuditEvent, len(e.auditEvents)),
	}
	for _, t := range e.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	for _, c := range e.communications {
		snap.Communications = append(snap.Communications, c)
	}
	copy(snap.AuditEvents, e.auditEvents)
	return snap
}

// Restore repopulates the engine from a persisted Snapshot. It must be
// called before the engine is exposed to any request traffic.
func (e *Engine) Restore(snap *Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tasks = make(map[string]*Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		e.tasks[t.ID] = t
	}
	e.communications = make(map[string]*Communication, len(snap.Communications))
	for _, c := range snap.Communications {
		e.communications[c.ID] = c
	}
	e.auditEvents = append([]*AuditEvent(nil), snap.AuditEvents...)
}
