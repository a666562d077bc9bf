// ABOUTME: Store interface and data types for ops-gateway persistence
// ABOUTME: Defines Client, Task, TaskResult, LoginEvent structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated
var ErrDuplicate = errors.New("already exists")

// Client liveness status values
const (
	ClientStatusOnline  = "ONLINE"
	ClientStatusOffline = "OFFLINE"
)

// Client represents the persisted record of an agent. It survives disconnects:
// the live connection comes and goes, the row transitions ONLINE/OFFLINE.
type Client struct {
	ID       string
	IP       string
	Hostname string
	Status   string // ONLINE or OFFLINE
	Country  *string
	City     *string
	Lat      *float64
	Lon      *float64
	Tags     []string
	LastSeen time.Time
}

// Task represents an operator-issued command for a specific client.
type Task struct {
	ID        string
	ClientID  string
	Command   string
	CreatedAt time.Time
	Result    *TaskResult // nil until a result is submitted
}

// TaskResult holds the output an agent reported for a task.
type TaskResult struct {
	ID         string
	TaskID     string
	Output     string
	ReceivedAt time.Time
}

// LoginEvent is an append-only record of an operator login attempt.
type LoginEvent struct {
	ID        string
	Email     string
	Success   bool
	IP        string
	CreatedAt time.Time
}

// User represents an operator account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string // "admin" or "viewer"
	CreatedAt    time.Time
}

// ClientUpdate describes an operator edit to a client record.
// Nil fields are left unchanged.
type ClientUpdate struct {
	Hostname *string
	IP       *string
	Status   *string
	Tags     []string
}

// Store defines the interface for ops-gateway persistence.
// Implementations must be safe for concurrent use; the database is the
// serialization point for ledger writes.
type Store interface {
	// Clients
	UpsertClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	ListClients(ctx context.Context) ([]*Client, error)
	SetClientStatus(ctx context.Context, id, status string) error
	UpdateClientGeo(ctx context.Context, id string, country, city string, lat, lon float64) error
	UpdateClient(ctx context.Context, id string, update ClientUpdate) (*Client, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, limit int) ([]*Task, error)
	ListTasksForClient(ctx context.Context, clientID string, limit int) ([]*Task, error)
	UpdateTask(ctx context.Context, id, command string) (*Task, error)
	DeleteTask(ctx context.Context, id string) (*Task, error)

	// Task results
	CreateTaskResult(ctx context.Context, result *TaskResult) error
	GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error)

	// Login events (append-only)
	AppendLoginEvent(ctx context.Context, event *LoginEvent) error
	ListLoginEvents(ctx context.Context, limit int) ([]*LoginEvent, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Close releases any resources held by the store
	Close() error
}
