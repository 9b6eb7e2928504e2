package auth

import (
	"context"
	"errors"
	"fmt"
)

// Operation is the kind of access being authorized.
type Operation string

const (
	OperationRead   Operation = "read"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Wildcard matches any collection, operation or role in a Rule.
const Wildcard = "*"

var (
	// ErrUnauthenticated indicates that no valid principal is attached to the request
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden indicates that the principal may not perform the operation
	ErrForbidden = errors.New("forbidden")
)

// AuthorizationError is returned when the policy denies an operation.
// It is propagated to the caller unchanged; callers must not retry.
type AuthorizationError struct {
	Err        error
	Operation  Operation
	Collection string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s %s on %s", e.Err, e.Operation, e.Collection)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// Authorizer decides whether the principal in ctx may perform op on a collection.
type Authorizer interface {
	Authorize(ctx context.Context, op Operation, collection string) error
}

// AllowAll authorizes every operation. Used when authentication is disabled.
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(context.Context, Operation, string) error {
	return nil
}

// Rule grants roles the listed operations on a collection.
type Rule struct {
	Collection string      `yaml:"collection"`
	Operations []Operation `yaml:"operations"`
	Roles      []string    `yaml:"roles"`
}

func (r Rule) matches(op Operation, collection string, claims *Claims) bool {
	if r.Collection != Wildcard && r.Collection != collection {
		return false
	}

	opMatch := false
	for _, o := range r.Operations {
		if o == op || o == Wildcard {
			opMatch = true
			break
		}
	}
	if !opMatch {
		return false
	}

	for _, role := range r.Roles {
		if role == Wildcard || claims.HasRole(role) {
			return true
		}
	}
	return false
}

// RolePolicy authorizes by matching the roles in the request claims against
// a list of rules. Anything not granted is denied.
type RolePolicy struct {
	rules []Rule
}

// NewRolePolicy creates a policy from rules.
func NewRolePolicy(rules []Rule) *RolePolicy {
	return &RolePolicy{rules: rules}
}

// Authorize implements Authorizer.
func (p *RolePolicy) Authorize(ctx context.Context, op Operation, collection string) error {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return &AuthorizationError{Err: ErrUnauthenticated, Operation: op, Collection: collection}
	}

	for _, rule := range p.rules {
		if rule.matches(op, collection, claims) {
			return nil
		}
	}

	return &AuthorizationError{Err: ErrForbidden, Operation: op, Collection: collection}
}
