package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var labCmd = &cobra.Command{
	Use:   "lab",
	Short: "Manage the lab configuration",
}

var labConfigureCmd = &cobra.Command{
	Use:   "configure FILE",
	Short: "Apply a lab configuration document",
	Long: `Apply a lab configuration document. Rejected while any process is
live, and when a tracked container would be stranded on a vanished or
shrunken device.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if err := apiClient().ConfigureLab(doc); err != nil {
			return err
		}
		fmt.Println("✓ Lab configured")
		return nil
	},
}

var labWipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Clear all persisted lab state",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			fmt.Print("This deletes every device, container, process and history record. Type 'wipe' to confirm: ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if strings.TrimSpace(line) != "wipe" {
				fmt.Println("Aborted.")
				return nil
			}
		}
		if err := apiClient().WipeLab(); err != nil {
			return err
		}
		fmt.Println("✓ Lab wiped")
		return nil
	},
}

func init() {
	labCmd.AddCommand(labConfigureCmd)
	labCmd.AddCommand(labWipeCmd)
	labWipeCmd.Flags().Bool("force", false, "Skip the confirmation prompt")
}
