package main

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyrm/rm/coordinator"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

func newExecCommand(ctx context.Context) *cobra.Command {
	var (
		xid    string
		global bool
	)
	m := &cobra.Command{
		Use:   "exec SQL",
		Short: "Run a batch of statements in one local transaction",
		Long: "Run a batch of statements in one local transaction. With --global or --xid the transaction is a branch " +
			"of a global transaction: its undo log is stored next to the data and the branch is registered with " +
			"the lock keys of the rows it changed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if global && xid == "" {
				xid = uuid.New().String()
			}
			return runExec(ctx, cmd, xid, args[0])
		},
	}
	m.Flags().StringVar(&xid, "xid", "", "global transaction the batch joins")
	m.Flags().BoolVarP(&global, "global", "g", false, "start a new global transaction")
	return m
}

func runExec(ctx context.Context, cmd *cobra.Command, xid, batch string) error {
	r, err := openResources(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	conn, err := r.ds.Begin(ctx)
	if err != nil {
		return err
	}
	if xid != "" {
		conn.Bind(xid)
	}
	if err := conn.ExecBatch(ctx, batch); err != nil {
		if rerr := conn.Rollback(); rerr != nil {
			return errors.Annotatef(err, "rollback also failed: %v", rerr)
		}
		return err
	}
	lockKeys := conn.Context().BuildLockKeys()
	if err := conn.Commit(ctx); err != nil {
		return err
	}

	if xid == "" {
		cmd.Println("committed")
		return nil
	}
	cmd.Printf("xid: %s\nbranch: %d\nlock keys: %s\n", xid, conn.BranchID(), lockKeys)
	return nil
}

func parseBranch(args []string) (string, int64, error) {
	branchID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", 0, errors.Annotatef(err, "bad branch id %q", args[1])
	}
	return args[0], branchID, nil
}

func newPhaseTwoCommand(ctx context.Context, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " XID BRANCH_ID",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, branchID, err := parseBranch(args)
			if err != nil {
				return err
			}
			r, err := openResources(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			var status coordinator.BranchStatus
			if use == "commit" {
				status, err = r.ds.BranchCommit(ctx, xid, branchID)
			} else {
				status, err = r.ds.BranchRollback(ctx, xid, branchID)
			}
			cmd.Printf("xid: %s\nbranch: %d\nstatus: %s\n", xid, branchID, status)
			return err
		},
	}
}

func newBranchesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "branches XID",
		Short: "List the branches registered for a global transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := coordinator.Open(cfg.RegistryPath)
			if err != nil {
				return err
			}
			defer registry.Close()

			branches, err := registry.Branches(args[0])
			if err != nil {
				return err
			}
			for _, b := range branches {
				cmd.Printf("%d\t%s\t%s\t%s\n", b.BranchID, b.ResourceID, b.Status, b.LockKeys)
			}
			return nil
		},
	}
}
