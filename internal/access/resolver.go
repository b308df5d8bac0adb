// Package access resolves who a user is and which patients a therapist may monitor.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnknownUser is returned when a user id has no profile.
var ErrUnknownUser = errors.New("access: unknown user")

// User is the profile data the chat core needs for routing and notifications.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Role        Role   `json:"role"`
	PushEnabled bool   `json:"push_enabled"`
}

// FirstName returns the first whitespace-separated token of the display name.
func (u User) FirstName() string {
	fields := strings.Fields(u.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Resolver answers identity and scope questions.
type Resolver interface {
	IsPatient(ctx context.Context, userID string) (bool, error)
	IsTherapist(ctx context.Context, userID string) (bool, error)
	GroupsOf(ctx context.Context, userID string) ([]string, error)
	AssignedGroups(ctx context.Context, therapistID string) ([]string, error)
	TherapistCanAccessPatient(ctx context.Context, therapistID, patientID string) (bool, error)
	AssignedTherapists(ctx context.Context, patientID string) ([]User, error)
	User(ctx context.Context, userID string) (*User, error)
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresResolver reads users, group membership and therapist assignments.
type PostgresResolver struct {
	db rowQuerier
}

// NewPostgresResolver creates a resolver backed by the given pool.
func NewPostgresResolver(pool *pgxpool.Pool) *PostgresResolver {
	if pool == nil {
		panic("access: pgx pool required")
	}
	return &PostgresResolver{db: pool}
}

func newPostgresResolverWithDB(db rowQuerier) *PostgresResolver {
	if db == nil {
		panic("access: db required")
	}
	return &PostgresResolver{db: db}
}

func (r *PostgresResolver) hasRole(ctx context.Context, userID string, role Role) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = $2)`, userID, string(role)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("access: check role: %w", err)
	}
	return ok, nil
}

// IsPatient reports whether the user has the patient role.
func (r *PostgresResolver) IsPatient(ctx context.Context, userID string) (bool, error) {
	return r.hasRole(ctx, userID, RolePatient)
}

// IsTherapist reports whether the user has the therapist role.
func (r *PostgresResolver) IsTherapist(ctx context.Context, userID string) (bool, error) {
	return r.hasRole(ctx, userID, RoleTherapist)
}

// GroupsOf lists the patient groups the user is a member of.
func (r *PostgresResolver) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	return r.queryStrings(ctx, `SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`, userID)
}

// AssignedGroups lists the groups a therapist monitors.
func (r *PostgresResolver) AssignedGroups(ctx context.Context, therapistID string) ([]string, error) {
	return r.queryStrings(ctx, `SELECT group_id FROM therapist_assignments WHERE therapist_id = $1 ORDER BY group_id`, therapistID)
}

func (r *PostgresResolver) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("access: query groups: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("access: scan group: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TherapistCanAccessPatient is true when one of the therapist's assigned groups contains the patient.
func (r *PostgresResolver) TherapistCanAccessPatient(ctx context.Context, therapistID, patientID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM therapist_assignments ta
			JOIN group_members gm ON gm.group_id = ta.group_id
			WHERE ta.therapist_id = $1 AND gm.user_id = $2
		)
	`
	var ok bool
	if err := r.db.QueryRow(ctx, query, therapistID, patientID).Scan(&ok); err != nil {
		return false, fmt.Errorf("access: check therapist scope: %w", err)
	}
	return ok, nil
}

// AssignedTherapists lists every therapist whose assignment covers one of the patient's groups.
func (r *PostgresResolver) AssignedTherapists(ctx context.Context, patientID string) ([]User, error) {
	query := `
		SELECT DISTINCT u.id, u.name, COALESCE(u.email, ''), u.role, u.push_enabled
		FROM users u
		JOIN therapist_assignments ta ON ta.therapist_id = u.id
		JOIN group_members gm ON gm.group_id = ta.group_id
		WHERE gm.user_id = $1
		ORDER BY u.id
	`
	rows, err := r.db.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("access: query assigned therapists: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var role string
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &role, &u.PushEnabled); err != nil {
			return nil, fmt.Errorf("access: scan therapist: %w", err)
		}
		u.Role = Role(role)
		out = append(out, u)
	}
	return out, rows.Err()
}

// User loads a profile.
func (r *PostgresResolver) User(ctx context.Context, userID string) (*User, error) {
	var u User
	var role string
	err := r.db.QueryRow(ctx,
		`SELECT id, name, COALESCE(email, ''), role, push_enabled FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Name, &u.Email, &role, &u.PushEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("access: load user: %w", err)
	}
	u.Role = Role(role)
	return &u, nil
}

// MemoryResolver is an in-process Resolver for tests and local development.
type MemoryResolver struct {
	mu          sync.RWMutex
	users       map[string]User
	members     map[string]map[string]bool // group -> users
	assignments map[string]map[string]bool // therapist -> groups
}

// NewMemoryResolver returns an empty resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{
		users:       make(map[string]User),
		members:     make(map[string]map[string]bool),
		assignments: make(map[string]map[string]bool),
	}
}

// AddUser registers or replaces a profile.
func (m *MemoryResolver) AddUser(u User) *MemoryResolver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return m
}

// AddMember puts a user into a group.
func (m *MemoryResolver) AddMember(groupID, userID string) *MemoryResolver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[groupID] == nil {
		m.members[groupID] = make(map[string]bool)
	}
	m.members[groupID][userID] = true
	return m
}

// Assign gives a therapist monitoring scope over a group.
func (m *MemoryResolver) Assign(therapistID, groupID string) *MemoryResolver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignments[therapistID] == nil {
		m.assignments[therapistID] = make(map[string]bool)
	}
	m.assignments[therapistID][groupID] = true
	return m
}

func (m *MemoryResolver) IsPatient(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[userID].Role == RolePatient, nil
}

func (m *MemoryResolver) IsTherapist(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[userID].Role == RoleTherapist, nil
}

func (m *MemoryResolver) GroupsOf(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for group, users := range m.members {
		if users[userID] {
			out = append(out, group)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryResolver) AssignedGroups(_ context.Context, therapistID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for group := range m.assignments[therapistID] {
		out = append(out, group)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryResolver) TherapistCanAccessPatient(_ context.Context, therapistID, patientID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for group := range m.assignments[therapistID] {
		if m.members[group][patientID] {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryResolver) AssignedTherapists(_ context.Context, patientID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for therapistID, groups := range m.assignments {
		for group := range groups {
			if m.members[group][patientID] {
				if u, ok := m.users[therapistID]; ok {
					out = append(out, u)
				}
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryResolver) User(_ context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUnknownUser
	}
	return &u, nil
}
