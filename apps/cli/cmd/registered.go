package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var registeredCmd = &cobra.Command{
	Use:   "registered",
	Short: "Inspect or override the backend registration flag",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		registered := a.Registry.IsRegistered(ctx)
		if useYAML {
			yamlOut(map[string]bool{"is_registered": registered})
		} else {
			fmt.Println(yesNo(registered))
		}
		return nil
	},
}

var registeredSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Mark the current token as acknowledged by the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRegistered(cmd, true)
	},
}

var registeredClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the registration flag so the next sync re-registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRegistered(cmd, false)
	},
}

func setRegistered(cmd *cobra.Command, registered bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if registered {
		err = a.Registry.SetRegistered(ctx, true)
	} else {
		err = a.Registry.Unregister(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Registered: %s\n", yesNo(registered))
	return nil
}

func init() {
	registeredCmd.AddCommand(registeredSetCmd, registeredClearCmd)
	rootCmd.AddCommand(registeredCmd)
}
