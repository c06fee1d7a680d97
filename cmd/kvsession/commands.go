package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/haiyiyun/kvsession"
	"github.com/haiyiyun/kvsession/marshal"
	"github.com/haiyiyun/kvsession/store"
)

var (
	initIndexCmd = &cobra.Command{
		Use:                "init-index",
		Short:              "Create the expiration index (no-op when it exists)",
		Args:               cobra.NoArgs,
		PersistentPreRunE:  setup(false),
		PersistentPostRunE: teardown,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := config.ExpiredIndexName()
			if err := rdStore.CreateIndex(contextOf(cmd), store.FieldExpired, name, store.IndexNumeric); err != nil {
				return err
			}
			fmt.Printf("index %s ready on %s\n", name, store.FieldExpired)
			return nil
		},
	}

	sweepCmd = &cobra.Command{
		Use:                "sweep",
		Short:              "Delete all sessions whose expiration time has passed",
		Args:               cobra.NoArgs,
		PersistentPreRunE:  setup(true),
		PersistentPostRunE: teardown,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := manager.CleanExpiredSessions(contextOf(cmd))
			fmt.Printf("deleted %d expired sessions\n", n)
			return err
		},
	}

	getCmd = &cobra.Command{
		Use:                "get [id]",
		Short:              "Print a session and its attributes",
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  setup(true),
		PersistentPostRunE: teardown,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := manager.Get(contextOf(cmd), args[0])
			if errors.Is(err, kvsession.ErrNotFound) {
				return errors.Errorf("session %s not found", args[0])
			}
			if err != nil {
				return err
			}
			printSession(s)
			return nil
		},
	}

	deleteCmd = &cobra.Command{
		Use:                "delete [id]",
		Short:              "Delete a session (no error when absent)",
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  setup(true),
		PersistentPostRunE: teardown,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := manager.Destroy(contextOf(cmd), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted session %s\n", args[0])
			return nil
		},
	}
)

func printSession(s kvsession.Session) {
	fmt.Printf("id:            %s\n", s.ID())
	fmt.Printf("created:       %s\n", s.CreationTime().Format(time.RFC3339Nano))
	fmt.Printf("last accessed: %s\n", s.LastAccessedTime().Format(time.RFC3339Nano))
	if exp, ok := s.ExpirationTime(); ok {
		fmt.Printf("expires:       %s (interval %s)\n", exp.Format(time.RFC3339Nano), s.MaxInactiveInterval())
	} else {
		fmt.Printf("expires:       never\n")
	}
	fmt.Printf("attributes:    %d\n", len(s.AttributeNames()))
	for _, name := range s.AttributeNames() {
		v, _ := s.Get(name)
		if ma, ok := v.(*marshal.MarshalledAttribute); ok {
			fmt.Printf("  %s = <%s, %d bytes>\n", name, ma.TypeName(), ma.Len())
			continue
		}
		fmt.Printf("  %s = %#v\n", name, v)
	}
}
