package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// Names returns the configured table names, skipping empty ones.
func (t Tables) Names() []string {
	var out []string
	for _, n := range []string{t.Boards, t.Lists, t.Tasks, t.Users, t.Memberships} {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// EnsureTables creates every table that does not exist yet.
func EnsureTables(ctx context.Context, connStr string, tables Tables) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range tables.Names() {
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil && !alreadyExists(err) {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)
}
