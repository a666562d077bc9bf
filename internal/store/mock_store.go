// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// Setting FailNext causes the next mutating call to return that error,
// simulating a persistence failure.
type MockStore struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	tasks       map[string]*Task
	results     map[string]*TaskResult // keyed by task ID
	loginEvents []*LoginEvent
	users       map[string]*User // keyed by email

	FailNext error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		clients: make(map[string]*Client),
		tasks:   make(map[string]*Task),
		results: make(map[string]*TaskResult),
		users:   make(map[string]*User),
	}
}

// takeFailure consumes a pending injected failure, if any.
func (m *MockStore) takeFailure() error {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

// UpsertClient stores or replaces a client record.
func (m *MockStore) UpsertClient(ctx context.Context, client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	c := *client
	if existing, ok := m.clients[c.ID]; ok {
		// Tags belong to operators; connection upserts keep them.
		c.Tags = existing.Tags
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	m.clients[c.ID] = &c
	return nil
}

// GetClient retrieves a client by ID.
func (m *MockStore) GetClient(ctx context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListClients returns all clients sorted by most recent activity.
func (m *MockStore) ListClients(ctx context.Context) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		copied := *c
		clients = append(clients, &copied)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].LastSeen.After(clients[j].LastSeen)
	})
	return clients, nil
}

// SetClientStatus transitions a client's status.
func (m *MockStore) SetClientStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	c, ok := m.clients[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.LastSeen = time.Now()
	return nil
}

// UpdateClientGeo applies geolocation fields to a client record.
func (m *MockStore) UpdateClientGeo(ctx context.Context, id string, country, city string, lat, lon float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	c, ok := m.clients[id]
	if !ok {
		return ErrNotFound
	}
	c.Country = &country
	c.City = &city
	c.Lat = &lat
	c.Lon = &lon
	return nil
}

// UpdateClient applies an operator edit and returns the updated record.
func (m *MockStore) UpdateClient(ctx context.Context, id string, update ClientUpdate) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Hostname != nil {
		c.Hostname = *update.Hostname
	}
	if update.IP != nil {
		c.IP = *update.IP
	}
	if update.Status != nil {
		c.Status = *update.Status
	}
	if update.Tags != nil {
		c.Tags = update.Tags
	}
	result := *c
	return &result, nil
}

// CreateTask stores a new task.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	if _, ok := m.tasks[task.ID]; ok {
		return ErrDuplicate
	}
	t := *task
	m.tasks[t.ID] = &t
	return nil
}

// GetTask retrieves a task by ID with its result attached.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	if r, ok := m.results[id]; ok {
		copied := *r
		result.Result = &copied
	}
	return &result, nil
}

// listTasksLocked returns a sorted snapshot of tasks matching the filter.
func (m *MockStore) listTasksLocked(filter func(*Task) bool, limit int) []*Task {
	if limit <= 0 {
		limit = 100
	}

	var tasks []*Task
	for _, t := range m.tasks {
		if !filter(t) {
			continue
		}
		copied := *t
		if r, ok := m.results[t.ID]; ok {
			rc := *r
			copied.Result = &rc
		}
		tasks = append(tasks, &copied)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

// ListTasks returns tasks newest first.
func (m *MockStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTasksLocked(func(*Task) bool { return true }, limit), nil
}

// ListTasksForClient returns tasks for one client, newest first.
func (m *MockStore) ListTasksForClient(ctx context.Context, clientID string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTasksLocked(func(t *Task) bool { return t.ClientID == clientID }, limit), nil
}

// UpdateTask replaces the command text of a task.
func (m *MockStore) UpdateTask(ctx context.Context, id, command string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.Command = command
	result := *t
	return &result, nil
}

// DeleteTask removes a task and its result.
func (m *MockStore) DeleteTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	delete(m.tasks, id)
	delete(m.results, id)
	return &result, nil
}

// CreateTaskResult stores a task result.
func (m *MockStore) CreateTaskResult(ctx context.Context, result *TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	if _, ok := m.results[result.TaskID]; ok {
		return ErrDuplicate
	}
	r := *result
	m.results[r.TaskID] = &r
	return nil
}

// GetTaskResult retrieves the result for a task.
func (m *MockStore) GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *r
	return &result, nil
}

// AppendLoginEvent records a login attempt.
func (m *MockStore) AppendLoginEvent(ctx context.Context, event *LoginEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	e := *event
	m.loginEvents = append(m.loginEvents, &e)
	return nil
}

// ListLoginEvents returns login events newest first.
func (m *MockStore) ListLoginEvents(ctx context.Context, limit int) ([]*LoginEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	events := make([]*LoginEvent, 0, len(m.loginEvents))
	for i := len(m.loginEvents) - 1; i >= 0 && len(events) < limit; i-- {
		copied := *m.loginEvents[i]
		events = append(events, &copied)
	}
	return events, nil
}

// CreateUser stores an operator account.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	if _, ok := m.users[user.Email]; ok {
		return ErrDuplicate
	}
	u := *user
	m.users[u.Email] = &u
	return nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
