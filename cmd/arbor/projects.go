package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/arbor/pkg/engine"
	"github.com/go-go-golems/arbor/pkg/store"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			var p store.Project
			err = a.Engine.CallInto(cmd.Context(), engine.MethodProjectCreate,
				store.Project{ID: uuid.NewString(), Name: args[0]}, &p)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", p.ID, p.Name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			var projects []store.Project
			if err := a.Engine.CallInto(cmd.Context(), engine.MethodProjectList, struct{}{}, &projects); err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name,
					time.UnixMilli(p.UpdatedAtMs).Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename ID NAME",
		Short: "Rename a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Engine.CallInto(cmd.Context(), engine.MethodProjectUpdate,
				store.Project{ID: args[0], Name: args[1]}, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a project (conversations are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Engine.CallInto(cmd.Context(), engine.MethodProjectDelete,
				map[string]string{"id": args[0]}, nil)
		},
	})

	return cmd
}
