package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/plateworks/conductor/pkg/client"
	"github.com/plateworks/conductor/pkg/events"
)

func apiClient() *client.Client {
	return client.New(serverAddr)
}

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Submit a process description",
	Long: `Submit a YAML process description to the server. The process is
registered and planned but does not execute until started.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		delay, _ := cmd.Flags().GetDuration("delay")
		start, _ := cmd.Flags().GetBool("start")

		source, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		c := apiClient()
		id, err := c.Submit(source, delay)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Process submitted: %s\n", id)
		if start {
			if err := c.Start([]string{id}); err != nil {
				return err
			}
			fmt.Println("✓ Process started")
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start ID...",
	Short: "Start submitted processes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Start(args); err != nil {
			return err
		}
		fmt.Printf("✓ Started %d process(es)\n", len(args))
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [ID]",
	Short: "Pause a process, or the whole lab",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		if err := apiClient().Pause(id); err != nil {
			return err
		}
		if id == "" {
			fmt.Println("✓ Lab paused")
		} else {
			fmt.Printf("✓ Process %s paused\n", id)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [ID]",
	Short: "Resume a paused process, or the whole lab",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		if err := apiClient().Resume(id); err != nil {
			return err
		}
		fmt.Println("✓ Resumed")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a process",
	Long: `Cancel a process. Steps not yet dispatched are dropped; steps already
running on a device are cancelled cooperatively and may still complete.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Cancel(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Process %s cancelled\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [ID]",
	Short: "Show lab status, or one process in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()
		if len(args) == 1 {
			return printProcess(c, args[0])
		}
		return printLab(c)
	},
}

func printLab(c *client.Client) error {
	st, err := c.Status()
	if err != nil {
		return err
	}
	mode := "live"
	if st.Simulation {
		mode = fmt.Sprintf("simulation %.0fx", st.SimSpeed)
	}
	if st.Paused {
		mode += ", paused"
	}
	fmt.Printf("Lab: %s\n\n", mode)

	fmt.Printf("%-16s %-14s %-9s %s\n", "DEVICE", "KIND", "CAPACITY", "OCCUPIED")
	occupied := make(map[string]int)
	for _, ct := range st.Containers {
		if !ct.Removed {
			occupied[ct.CurrentPos.Device]++
		}
	}
	for _, d := range st.Devices {
		fmt.Printf("%-16s %-14s %-9d %d\n", d.Name, d.Kind, d.Capacity, occupied[d.Name])
	}

	fmt.Printf("\n%-38s %-22s %-10s %s\n", "PROCESS", "NAME", "STATE", "ERROR")
	for _, p := range st.Processes {
		fmt.Printf("%-38s %-22s %-10s %s\n", p.ID, p.Name, p.State, p.Error)
	}
	return nil
}

func printProcess(c *client.Client, id string) error {
	ps, err := c.Process(id)
	if err != nil {
		return err
	}
	p := ps.Process
	fmt.Printf("Process: %s (%s)\n", p.Name, p.ID)
	fmt.Printf("State:   %s\n", p.State)
	if p.Error != "" {
		fmt.Printf("Error:   %s\n", p.Error)
	}
	if len(ps.Vars) > 0 {
		fmt.Println("Values:")
		for name, v := range ps.Vars {
			fmt.Printf("  %s = %g\n", name, v)
		}
	}
	if len(ps.Steps) > 0 {
		fmt.Printf("\n%-28s %-18s %-10s %-14s %s\n", "STEP", "FCT", "STATE", "DEVICE", "EXPECTED FINISH")
		for _, s := range ps.Steps {
			finish := ""
			if !s.ExpectedFinish.IsZero() {
				finish = s.ExpectedFinish.Format(time.RFC3339)
			}
			fmt.Printf("%-28s %-18s %-10s %-14s %s\n", s.Key, s.Fct, s.State, s.Device, finish)
		}
	}
	return nil
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Toggle simulation mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		speed, _ := cmd.Flags().GetFloat64("speed")

		if err := apiClient().SetSimulation(!off, speed); err != nil {
			return err
		}
		if off {
			fmt.Println("✓ Simulation disabled")
		} else {
			fmt.Printf("✓ Simulation enabled (%.0fx)\n", speed)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream lab events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		err := apiClient().Events(ctx, func(ev *events.Event) {
			line := fmt.Sprintf("%s  %-22s", ev.Timestamp.Format("15:04:05"), ev.Type)
			if ev.ProcessID != "" {
				line += " process=" + ev.ProcessID
			}
			if ev.StepID != "" {
				line += " step=" + ev.StepID
			}
			if ev.Device != "" {
				line += " device=" + ev.Device
			}
			if ev.Message != "" {
				line += "  " + ev.Message
			}
			fmt.Println(line)
		})
		if ctx.Err() != nil {
			return errInterrupted
		}
		return err
	},
}

func init() {
	submitCmd.Flags().Duration("delay", 0, "Earliest-start delay for the process")
	submitCmd.Flags().Bool("start", false, "Start the process immediately after submitting")
	simulateCmd.Flags().Bool("off", false, "Disable simulation mode")
	simulateCmd.Flags().Float64("speed", 60, "Simulation speed factor")
}
