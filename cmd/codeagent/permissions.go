// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/permission"
)

func newPermissionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "Inspect and manage remembered approvals",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List project and global grants",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withPermissions(cmd.Context(), a.listPermissions)
			},
		},
		newRevokeCmd(a),
		&cobra.Command{
			Use:   "prune",
			Short: "Remove expired grants from the stores",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withPermissions(cmd.Context(), func(ctx context.Context, m *permission.Manager) error {
					n, err := m.Prune(ctx)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(a.out, "removed %d expired grant(s)\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

func newRevokeCmd(a *app) *cobra.Command {
	var op, scope string
	cmd := &cobra.Command{
		Use:   "revoke <pattern>",
		Short: "Forget a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operation, err := permission.ParseOperation(op)
			if err != nil {
				return errors.New(errors.CodeInvalidInput, "invalid --op", err)
			}
			sc, err := permission.ParseScope(scope)
			if err != nil {
				return errors.New(errors.CodeInvalidInput, "invalid --scope", err)
			}
			return a.withPermissions(cmd.Context(), func(ctx context.Context, m *permission.Manager) error {
				ok, err := m.Revoke(ctx, args[0], operation, sc)
				if err != nil {
					return err
				}
				if !ok {
					return errors.Newf(errors.CodeInvalidInput, "no %s grant for %s %s", sc, operation, args[0])
				}
				_, _ = fmt.Fprintf(a.out, "revoked %s %s (%s)\n", operation, args[0], sc)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", string(permission.OpWrite), "operation: read, list, write or *")
	cmd.Flags().StringVar(&scope, "scope", string(permission.ScopeProject), "scope: project or global")
	return cmd
}

func (a *app) withPermissions(ctx context.Context, fn func(context.Context, *permission.Manager) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	m, closeStores, err := openPermissions(ctx, cfg, a.logger(cfg))
	if err != nil {
		return err
	}
	defer closeStores()
	return fn(ctx, m)
}

func (a *app) listPermissions(_ context.Context, m *permission.Manager) error {
	grants := m.List()
	if len(grants) == 0 {
		_, _ = fmt.Fprintln(a.out, "no grants")
		return nil
	}
	now := time.Now()
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SCOPE\tOPERATION\tEFFECT\tPATTERN\tEXPIRES")
	for _, g := range grants {
		expires := "-"
		if !g.ExpiresAt.IsZero() {
			expires = g.ExpiresAt.Local().Format(time.DateTime)
			if permission.IsExpired(g, now) {
				expires += " (expired)"
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.Scope, g.Operation, g.Effect, g.Pattern, expires)
	}
	return tw.Flush()
}
