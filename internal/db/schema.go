package db

import (
	"context"
	_ "embed"

	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies the embedded schema. Statements are idempotent, so
// this is safe to call on every startup. Production environments run managed
// migrations instead and skip this.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply schema", err)
	}
	return nil
}
