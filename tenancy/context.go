// Package tenancy implements the context-isolation substrate: the immutable
// per-request AgentContext, the customer id enforcement middleware, and the
// output leakage detector.
package tenancy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// uuidV4Pattern matches only canonical lowercase-or-uppercase UUID v4 strings.
var uuidV4Pattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// ErrInvalidCustomerID reports a customer id that is not a UUID v4.
var ErrInvalidCustomerID = errors.New("customer id must be a UUID v4")

// AgentContext carries the tenant identity for one request. All fields are
// unexported so the value cannot be mutated after construction; agent-facing
// operations must take one and read identity only through its accessors.
type AgentContext struct {
	customerID  string
	userID      string
	permissions []string
	sessionID   string
}

// NewAgentContext validates the tenant id and builds an immutable context.
// The user id is required; permissions and session id are optional.
func NewAgentContext(customerID, userID string, permissions []string, sessionID string) (AgentContext, error) {
	if !IsUUIDv4(customerID) {
		return AgentContext{}, fmt.Errorf("%w: %q", ErrInvalidCustomerID, customerID)
	}
	if userID == "" {
		return AgentContext{}, errors.New("user id is required")
	}
	perms := make([]string, len(permissions))
	copy(perms, permissions)
	return AgentContext{
		customerID:  customerID,
		userID:      userID,
		permissions: perms,
		sessionID:   sessionID,
	}, nil
}

// CustomerID returns the tenant id the context was constructed with.
func (c AgentContext) CustomerID() string { return c.customerID }

// UserID returns the acting user id.
func (c AgentContext) UserID() string { return c.userID }

// SessionID returns the optional session id.
func (c AgentContext) SessionID() string { return c.sessionID }

// Permissions returns a copy of the permission list so callers cannot mutate
// the context through the returned slice.
func (c AgentContext) Permissions() []string {
	perms := make([]string, len(c.permissions))
	copy(perms, c.permissions)
	return perms
}

// HasPermission reports whether the context carries the named permission.
func (c AgentContext) HasPermission(name string) bool {
	for _, p := range c.permissions {
		if p == name {
			return true
		}
	}
	return false
}

// agentContextWire is the JSON shape used to move contexts through workflow
// inputs. Unmarshaling revalidates so a context never enters the system with
// a malformed tenant id.
type agentContextWire struct {
	CustomerID  string   `json:"customer_id"`
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
}

// MarshalJSON implements json.Marshaler so contexts survive workflow
// serialization despite having unexported fields.
func (c AgentContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(agentContextWire{
		CustomerID:  c.customerID,
		UserID:      c.userID,
		Permissions: c.permissions,
		SessionID:   c.sessionID,
	})
}

// UnmarshalJSON implements json.Unmarshaler with full construction-time
// validation.
func (c *AgentContext) UnmarshalJSON(data []byte) error {
	var w agentContextWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ctx, err := NewAgentContext(w.CustomerID, w.UserID, w.Permissions, w.SessionID)
	if err != nil {
		return err
	}
	*c = ctx
	return nil
}

// IsUUIDv4 reports whether s is a canonical UUID v4 string.
func IsUUIDv4(s string) bool {
	if !uuidV4Pattern.MatchString(s) {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// ContextHash derives the per-request hash attached by the enforcement
// middleware: SHA-256 over "tenant|path|timestamp".
func ContextHash(customerID, path string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", customerID, path, at.Unix())))
	return hex.EncodeToString(sum[:])
}
