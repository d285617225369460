package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-tasklists/pkg/crdt"
	"github.com/astromechza/automerge-tasklists/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Apply or roll back schema migrations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(direction); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", direction)
		return nil
	},
}

var (
	ownerFlag string
	itemsFlag []string
)

var createListCmd = &cobra.Command{
	Use:   "create-list <list-id>",
	Short: "Create a list with an initial order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ownerFlag == "" {
			return errors.New("--owner is required")
		}
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()
		if err := db.InTx(ctx, func(tx *store.Tx) error {
			return tx.CreateList(ctx, store.List{ID: args[0], OwnerID: ownerFlag, TaskOrder: itemsFlag, UpdatedAt: time.Now()})
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s owned by %s with %d items\n", args[0], ownerFlag, len(itemsFlag))
		return nil
	},
}

var removeMemberFlag bool

var addMemberCmd = &cobra.Command{
	Use:   "add-member <list-id> <identity>",
	Short: "Grant an identity access to a list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()
		return db.InTx(ctx, func(tx *store.Tx) error {
			if removeMemberFlag {
				if err := tx.RemoveListMember(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", args[1], args[0])
				return nil
			}
			if err := tx.AddListMember(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", args[1], args[0])
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <list-id>",
	Short: "Show a list's order, document and sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		return db.InTx(ctx, func(tx *store.Tx) error {
			l, err := tx.GetList(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "list:      %s (owner %s)\n", l.ID, l.OwnerID)
			fmt.Fprintf(out, "order:     %s\n", strings.Join(l.TaskOrder, ", "))
			fmt.Fprintf(out, "updated:   %s\n", l.UpdatedAt.Format(time.RFC3339))

			rec, err := tx.GetDocument(ctx, l.ID)
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Fprintln(out, "document:  none")
			} else {
				doc, err := crdt.Decode(rec.Document)
				if err != nil {
					return err
				}
				count, err := doc.ChangeCount()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "document:  %d bytes, %d changes, %d sessions counted\n", len(rec.Document), count, rec.ActiveSessionCount)
				fmt.Fprintf(out, "heads:     %s\n", strings.Join(doc.Heads(), ", "))
			}

			sessions, err := tx.ListSessions(ctx, l.ID)
			if err != nil {
				return err
			}
			now := time.Now()
			for _, s := range sessions {
				state := "live"
				if !s.Live(now) {
					state = "expired"
				}
				fmt.Fprintf(out, "session:   %s %s/%s %s %s until %s\n", s.ID, s.AppID, s.DeviceID, s.Kind, state, s.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired sessions and reclaim unreferenced documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		res, err := newManager(db, cfg).SweepExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "swept %d sessions across %d lists, reclaimed %d documents\n", res.Sessions, len(res.Lists), len(res.Reclaimed))
		return nil
	},
}

var deactivateFlag bool

var expireSessionCmd = &cobra.Command{
	Use:   "expire-session <list-id> <identity> <device-id>",
	Short: "Force a device's session to lapse and sweep it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()
		if err := db.InTx(ctx, func(tx *store.Tx) error {
			s, err := tx.FindSession(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if s == nil {
				return fmt.Errorf("no session for %s/%s on %s", args[1], args[2], args[0])
			}
			if deactivateFlag {
				return tx.DeactivateSession(ctx, s.ID)
			}
			return tx.SetSessionExpiry(ctx, s.ID, time.Now())
		}); err != nil {
			return err
		}
		res, err := newManager(db, cfg).SweepExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %s/%s on %s, reclaimed %d documents\n", args[1], args[2], args[0], len(res.Reclaimed))
		return nil
	},
}

func init() {
	expireSessionCmd.Flags().BoolVar(&deactivateFlag, "deactivate", false, "clear the active flag instead of moving the expiry")
	createListCmd.Flags().StringVar(&ownerFlag, "owner", "", "the owning identity")
	createListCmd.Flags().StringSliceVar(&itemsFlag, "items", nil, "initial item ids, comma separated")
	addMemberCmd.Flags().BoolVar(&removeMemberFlag, "remove", false, "revoke access instead of granting it")

	rootCmd.AddCommand(migrateCmd, createListCmd, addMemberCmd, showCmd, sweepCmd, expireSessionCmd)
}
