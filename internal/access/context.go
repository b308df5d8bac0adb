package access

import "context"

// Role is the coarse ACL role of an authenticated user.
type Role string

const (
	RolePatient   Role = "patient"
	RoleTherapist Role = "therapist"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleTherapist || r == RoleAdmin
}

// Caller identifies the authenticated user behind a request.
type Caller struct {
	UserID string
	Role   Role
}

func (c Caller) IsPatient() bool   { return c.Role == RolePatient }
func (c Caller) IsTherapist() bool { return c.Role == RoleTherapist }
func (c Caller) IsAdmin() bool     { return c.Role == RoleAdmin }

// IsStaff is true for therapists and admins.
func (c Caller) IsStaff() bool { return c.IsTherapist() || c.IsAdmin() }

type ctxKey string

const callerKey ctxKey = "careline.caller"

// WithCaller stores the caller in context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext extracts the caller if present.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	val := ctx.Value(callerKey)
	if val == nil {
		return Caller{}, false
	}
	caller, ok := val.(Caller)
	return caller, ok && caller.UserID != ""
}
