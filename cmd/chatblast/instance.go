package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/chatblast/internal/models"
)

var (
	bindStrategy string
	bindCap      int
	bindRotation bool
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Gateway instance and rotation pool commands",
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered instances",
	RunE:  runInstanceList,
}

var instanceAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a gateway instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceAdd,
}

var instanceRemoveCmd = &cobra.Command{
	Use:   "remove <instance_id>",
	Short: "Remove a registered instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceRemove,
}

var instanceBindCmd = &cobra.Command{
	Use:   "bind <campaign_id> <instance_id>...",
	Short: "Replace the rotation pool of a campaign",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInstanceBind,
}

var instanceUnbindCmd = &cobra.Command{
	Use:   "unbind <campaign_id> <instance_id>",
	Short: "Remove an instance from a campaign rotation pool",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceUnbind,
}

var instanceToggleCmd = &cobra.Command{
	Use:   "toggle <campaign_id> <instance_id>",
	Short: "Enable or disable an instance in a campaign rotation pool",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceToggle,
}

var instanceResetCmd = &cobra.Command{
	Use:   "reset <campaign_id>",
	Short: "Reset the per-instance sent counters of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceReset,
}

func init() {
	instanceBindCmd.Flags().StringVar(&bindStrategy, "strategy", "RANDOM", "rotation strategy (RANDOM, SEQUENTIAL, LOAD_BALANCED)")
	instanceBindCmd.Flags().IntVar(&bindCap, "max-messages", 0, "per-instance message cap (0 = unlimited)")
	instanceBindCmd.Flags().BoolVar(&bindRotation, "rotation", true, "enable rotation for the campaign")

	instanceCmd.AddCommand(instanceListCmd, instanceAddCmd, instanceRemoveCmd,
		instanceBindCmd, instanceUnbindCmd, instanceToggleCmd, instanceResetCmd)
	rootCmd.AddCommand(instanceCmd)
}

func runInstanceList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	instances, err := client.Instances(cmd.Context())
	if err != nil {
		return err
	}

	if len(instances) == 0 {
		fmt.Println("No instances registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	fmt.Fprintln(w, "--\t----\t-------")
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%s\t%s\n", inst.ID, inst.Name, inst.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d instances\n", len(instances))
	return nil
}

func runInstanceAdd(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	inst, err := client.AddInstance(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Instance %s registered: %s\n", inst.Name, inst.ID)
	return nil
}

func runInstanceRemove(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	if err := client.RemoveInstance(cmd.Context(), args[0]); err != nil {
		return err
	}

	fmt.Printf("Instance %s removed\n", args[0])
	return nil
}

func runInstanceBind(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	cfg := models.RotationConfig{
		UseRotation: bindRotation,
		Strategy:    models.RotationStrategy(bindStrategy),
		InstanceIDs: args[1:],
	}
	if bindCap > 0 {
		cfg.MaxMessagesPerInstance = &bindCap
	}

	rot, err := client.SetRotation(cmd.Context(), args[0], cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Rotation for campaign %s: %s (enabled: %t)\n\n", args[0], rot.Strategy, rot.UseRotation)
	printBindings(rot.Instances)
	return nil
}

func runInstanceUnbind(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	if err := client.RemoveBinding(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}

	fmt.Printf("Instance %s removed from campaign %s\n", args[1], args[0])
	return nil
}

func runInstanceToggle(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	active, err := client.ToggleBinding(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Printf("Instance %s %s for campaign %s\n", args[1], state, args[0])
	return nil
}

func runInstanceReset(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	if err := client.ResetCounters(cmd.Context(), args[0]); err != nil {
		return err
	}

	fmt.Printf("Sent counters reset for campaign %s\n", args[0])
	return nil
}
