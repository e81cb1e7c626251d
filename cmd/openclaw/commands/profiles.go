package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/openclaw/pkg/openclaw/agent"
)

// newProfilesCmd creates the `openclaw profiles` credential management
// command group.
func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage model auth profiles",
	}
	cmd.AddCommand(
		newProfilesListCmd(),
		newProfilesAddCmd(),
		newProfilesRemoveCmd(),
	)
	return cmd
}

func openProfiles(cmd *cobra.Command) (*agent.ProfileStore, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	return agent.NewProfileStore(cfg.Profiles.StorePath, cfg.Profiles.UseKeyring), nil
}

func newProfilesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List auth profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openProfiles(cmd)
			if err != nil {
				return err
			}
			ids := store.List("")
			if len(ids) == 0 {
				fmt.Println("No profiles.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLAST USED\tCOOLDOWN UNTIL")
			for _, id := range ids {
				st := store.Stats(id)
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, formatMs(st.LastUsed), formatMs(st.CooldownUntil))
			}
			return w.Flush()
		},
	}
}

func newProfilesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace an auth profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openProfiles(cmd)
			if err != nil {
				return err
			}
			provider, _ := cmd.Flags().GetString("provider")

			key, err := readSecret("API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := store.Put(args[0], agent.AuthProfile{Provider: provider, Key: key}); err != nil {
				return err
			}
			fmt.Printf("Profile %s stored for provider %s.\n", args[0], provider)
			return nil
		},
	}
	cmd.Flags().String("provider", "openai", "provider this credential belongs to")
	return cmd
}

func newProfilesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove an auth profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openProfiles(cmd)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Profile %s removed.\n", args[0])
			return nil
		},
	}
}

// readSecret prompts without echo on a terminal, falling back to a
// plain line read when stdin is piped.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		defer fmt.Println()
		key, err := term.ReadPassword(fd)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(key)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
