package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRolePolicy_Authorize(t *testing.T) {
	policy := NewRolePolicy([]Rule{
		{Collection: Wildcard, Operations: []Operation{OperationRead}, Roles: []string{Wildcard}},
		{Collection: "Hero", Operations: []Operation{OperationCreate, OperationUpdate}, Roles: []string{"writer"}},
		{Collection: Wildcard, Operations: []Operation{Wildcard}, Roles: []string{"admin"}},
	})

	reader := WithClaims(context.Background(), &Claims{UserID: "r"})
	writer := WithClaims(context.Background(), &Claims{UserID: "w", Roles: []string{"writer"}})
	admin := WithClaims(context.Background(), &Claims{UserID: "a", Roles: []string{"admin"}})

	tests := []struct {
		ctx        context.Context
		wantErr    error
		name       string
		collection string
		op         Operation
	}{
		{name: "anyone reads", ctx: reader, op: OperationRead, collection: "Workspace"},
		{name: "reader cannot create", ctx: reader, op: OperationCreate, collection: "Hero", wantErr: ErrForbidden},
		{name: "writer creates hero", ctx: writer, op: OperationCreate, collection: "Hero"},
		{name: "writer cannot delete hero", ctx: writer, op: OperationDelete, collection: "Hero", wantErr: ErrForbidden},
		{name: "writer cannot touch workspace", ctx: writer, op: OperationUpdate, collection: "Workspace", wantErr: ErrForbidden},
		{name: "admin deletes anything", ctx: admin, op: OperationDelete, collection: "Workspace"},
		{name: "anonymous denied", ctx: context.Background(), op: OperationRead, collection: "Hero", wantErr: ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Authorize(tt.ctx, tt.op, tt.collection)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var authErr *AuthorizationError
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, tt.op, authErr.Operation)
			assert.Equal(t, tt.collection, authErr.Collection)
		})
	}
}

func TestAllowAll(t *testing.T) {
	assert.NoError(t, AllowAll{}.Authorize(context.Background(), OperationDelete, "Hero"))
}

func TestClaimsFromContext(t *testing.T) {
	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithClaims(context.Background(), &Claims{UserID: "u1"})
	claims, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", claims.UserID)
}
