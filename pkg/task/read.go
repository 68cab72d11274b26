package task

import (
	"sort"
	"time"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/cryptoutil"
)

// ListQuery carries the paging, sorting, and filtering parameters
// applied after the authorisation filter on the candidate Task set.
type ListQuery struct {
	Status       Status // "" means no status filter
	AuthoredFrom time.Time
	AuthoredTo   time.Time
	SortByAuthoredDesc bool
	Count  int
	Offset int
}

// canRead reports whether caller may see t at all, per §4.5's read rules.
func canRead(caller Caller, t *Task) bool {
	switch caller.Role {
	case RolePhysician, RoleDentist:
		return caller.Subject == t.CreatedBy
	case RoleInsured:
		return caller.KVNR != "" && caller.KVNR == t.For
	case RolePharmacy:
		return t.AccessCode != "" && cryptoutil.ConstantTimeEqual(t.AccessCode, caller.AccessCode)
	default:
		return false
	}
}

// GetTask returns a single Task if caller is authorised to read it. An
// insured read emits an AuditEvent; other roles' reads do not, per §4.5.
func (e *Engine) GetTask(caller Caller, id string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "Task not found")
	}
	if !canRead(caller, t) {
		return nil, apierror.New(apierror.CodeAuthzDenied, "caller may not read this Task")
	}

	if caller.Role == RoleInsured {
		e.recordAuditLocked(t, caller.KVNR, "read", "success", caller.KVNR)
	}
	return t, nil
}

// ListTasks applies the authorisation filter over the candidate set,
// then the query's status/date filter, sort, and page, in that order.
func (e *Engine) ListTasks(caller Caller, q ListQuery) ([]*Task, error) {
	e.mu.RLock()
	candidates := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if canRead(caller, t) {
			candidates = append(candidates, t)
		}
	}
	e.mu.RUnlock()

	filtered := filterTasks(candidates, q)
	sortTasks(filtered, q)
	return pageTasks(filtered, q), nil
}

func filterTasks(in []*Task, q ListQuery) []*Task {
	out := make([]*Task, 0, len(in))
	for _, t := range in {
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if !q.AuthoredFrom.IsZero() && t.AuthoredOn.Before(q.AuthoredFrom) {
			continue
		}
		if !q.AuthoredTo.IsZero() && t.AuthoredOn.After(q.AuthoredTo) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func sortTasks(tasks []*Task, q ListQuery) {
	sort.Slice(tasks, func(i, j int) bool {
		if q.SortByAuthoredDesc {
			return tasks[i].AuthoredOn.After(tasks[j].AuthoredOn)
		}
		return tasks[i].AuthoredOn.Before(tasks[j].AuthoredOn)
	})
}

// defaultPageCount and maxPageCount bound a _count that is absent,
// zero, or negative to a sane default, and anything larger down to the
// maximum page size a single search response will return.
const (
	defaultPageCount = 20
	maxPageCount     = 200
)

func pageTasks(tasks []*Task, q ListQuery) []*Task {
	count := q.Count
	switch {
	case count <= 0:
		count = defaultPageCount
	case count > maxPageCount:
		count = maxPageCount
	}

	start := q.Offset
	if start < 0 || start > len(tasks) {
		start = len(tasks)
	}
	end := len(tasks)
	if start+count < end {
		end = start + count
	}
	return tasks[start:end]
}
