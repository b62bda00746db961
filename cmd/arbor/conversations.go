package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/arbor/pkg/chat"
	"github.com/go-go-golems/arbor/pkg/engine"
	"github.com/go-go-golems/arbor/pkg/store"
)

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Manage conversations",
	}

	var newProjectID string
	newCmd := &cobra.Command{
		Use:   "new TITLE",
		Short: "Create an empty conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			conv := a.Coordinator.Create(args[0])
			if newProjectID != "" {
				if err := a.Coordinator.SetProject(conv.ID, newProjectID); err != nil {
					return err
				}
			}
			if err := a.Coordinator.Flush(cmd.Context(), conv.ID); err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", conv.ID, conv.Title)
			return nil
		},
	}
	newCmd.Flags().StringVar(&newProjectID, "project", "", "project id to file the conversation under")
	cmd.AddCommand(newCmd)

	var listProjectID string
	var listAll bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			var convs []store.ConversationRecord
			err = a.Engine.CallInto(cmd.Context(), engine.MethodConversationList,
				store.ListConversationsFilter{ProjectID: listProjectID, IncludeArchived: listAll}, &convs)
			if err != nil {
				return err
			}
			for _, c := range convs {
				marker := " "
				if c.Archived {
					marker = "a"
				}
				fmt.Printf("%s %s\t%s\t%s\n", marker, c.ID, c.Title,
					time.UnixMilli(c.UpdatedAtMs).Format(time.RFC3339))
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&listProjectID, "project", "", "only conversations in this project")
	listCmd.Flags().BoolVar(&listAll, "all", false, "include archived conversations")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Print the active thread of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.Coordinator.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n", conv.Title)
			for _, entry := range conv.Thread() {
				versions := ""
				if n := len(entry.Branch.Versions); n > 1 {
					versions = fmt.Sprintf(" [version %d/%d]", entry.Branch.CurrentVersionIndex+1, n)
				}
				fmt.Printf("\n%s%s:\n%s\n", entry.Branch.Role, versions, entry.Version.Parts.Text())
			}
			if conv.Draft != "" {
				fmt.Printf("\n(draft: %s)\n", conv.Draft)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Engine.CallInto(cmd.Context(), engine.MethodConversationDelete,
				map[string]string{"id": args[0]}, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "archive ID",
		Short: "Archive a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Engine.CallInto(cmd.Context(), engine.MethodConversationArchive,
				map[string]string{"id": args[0]}, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore ID",
		Short: "Restore an archived conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Engine.CallInto(cmd.Context(), engine.MethodConversationRestore,
				map[string]string{"id": args[0]}, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export ID FILE",
		Short: "Export a conversation to a JSON or YAML file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.Coordinator.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return conv.ExportToFile(args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Import a conversation from a JSON or YAML export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := chat.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			if err := a.Coordinator.Adopt(conv); err != nil {
				return err
			}
			if err := a.Coordinator.Flush(cmd.Context(), conv.ID); err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", conv.ID, conv.Title)
			return nil
		},
	})

	return cmd
}
