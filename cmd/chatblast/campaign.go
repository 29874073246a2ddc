package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/chatblast/internal/api"
	"github.com/foxzi/chatblast/internal/apiclient"
	"github.com/foxzi/chatblast/internal/models"
)

var (
	campaignCreateFile string
	campaignImportFile string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign control commands",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a campaign from a JSON request file",
	RunE:  runCampaignCreate,
}

var campaignImportCmd = &cobra.Command{
	Use:   "import <campaign_id>",
	Short: "Import leads from a JSON file ([{\"phone\": ..., \"name\": ...}])",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignImport,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignStartCmd = &cobra.Command{
	Use:   "start <campaign_id>",
	Short: "Start sending a campaign from the beginning",
	Args:  cobra.ExactArgs(1),
	RunE:  controlCommand((*apiclient.Client).Start),
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause a running campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  controlCommand((*apiclient.Client).Pause),
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  controlCommand((*apiclient.Client).Resume),
}

var campaignStopCmd = &cobra.Command{
	Use:   "stop <campaign_id>",
	Short: "Stop a running campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  controlCommand((*apiclient.Client).Stop),
}

var campaignProgressCmd = &cobra.Command{
	Use:   "progress <campaign_id>",
	Short: "Show campaign progress and delivery counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignProgress,
}

var leadCmd = &cobra.Command{
	Use:   "lead",
	Short: "Lead commands",
}

var leadResetCmd = &cobra.Command{
	Use:   "reset <lead_id>",
	Short: "Return a lead to pending so it is sent again",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeadReset,
}

func init() {
	campaignCreateCmd.Flags().StringVarP(&campaignCreateFile, "file", "f", "", "campaign request JSON file (required)")
	campaignCreateCmd.MarkFlagRequired("file")
	campaignImportCmd.Flags().StringVarP(&campaignImportFile, "file", "f", "", "leads JSON file (required)")
	campaignImportCmd.MarkFlagRequired("file")

	campaignCmd.AddCommand(campaignCreateCmd, campaignImportCmd, campaignShowCmd, campaignStartCmd, campaignPauseCmd,
		campaignResumeCmd, campaignStopCmd, campaignProgressCmd)
	leadCmd.AddCommand(leadResetCmd)
	rootCmd.AddCommand(campaignCmd, leadCmd)
}

func controlCommand(op func(*apiclient.Client, context.Context, string) (string, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		status, err := op(client, cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Campaign %s: %s\n", args[0], status)
		return nil
	}
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func runCampaignCreate(cmd *cobra.Command, args []string) error {
	var req api.CampaignRequest
	if err := readJSONFile(campaignCreateFile, &req); err != nil {
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.CreateCampaign(cmd.Context(), &req)
	if err != nil {
		return err
	}

	fmt.Printf("Campaign created: %s\n", resp.Campaign.ID)
	fmt.Printf("  Leads imported: %d\n", resp.Imported)
	return nil
}

func runCampaignImport(cmd *cobra.Command, args []string) error {
	var leads []models.LeadImport
	if err := readJSONFile(campaignImportFile, &leads); err != nil {
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	n, err := client.ImportLeads(cmd.Context(), args[0], leads)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d leads into campaign %s\n", n, args[0])
	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	c, err := client.GetCampaign(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:      %s\n", c.Name)
	fmt.Printf("Status:    %s\n", c.Status)
	fmt.Printf("Progress:  %d%%\n", c.Progress)
	fmt.Printf("Delay:     %d-%ds\n", c.MinDelay, c.MaxDelay)
	if c.UseRotation {
		fmt.Printf("Rotation:  %s\n", c.RotationStrategy)
		if c.MaxMessagesPerInstance != nil {
			fmt.Printf("Cap:       %d per instance\n", *c.MaxMessagesPerInstance)
		}
	} else {
		fmt.Printf("Instance:  %s\n", c.InstanceName)
	}
	if c.HasMedia() {
		fmt.Printf("Media:     %s (%s)\n", c.MediaURL, c.MediaType)
	}
	if c.StartedAt != nil {
		fmt.Printf("Started:   %s\n", c.StartedAt.Format(time.RFC3339))
	}
	if c.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", c.CompletedAt.Format(time.RFC3339))
	}
	if c.HasText() {
		fmt.Printf("\nMessage:\n  %s\n", c.Message)
	}

	if c.UseRotation {
		rot, err := client.Rotation(cmd.Context(), c.ID)
		if err != nil {
			return err
		}
		fmt.Println()
		printBindings(rot.Instances)
	}

	return nil
}

func runCampaignProgress(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	p, err := client.Progress(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	printProgress(p)
	return nil
}

func printProgress(p *models.CampaignProgress) {
	running := "no"
	if p.Running {
		running = "yes"
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Campaign:\t%s\n", p.CampaignID)
	fmt.Fprintf(w, "Status:\t%s\n", p.Status)
	fmt.Fprintf(w, "Running:\t%s\n", running)
	fmt.Fprintf(w, "Progress:\t%d%%\n", p.Progress)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Total:\t%d\n", p.Stats.TotalLeads)
	fmt.Fprintf(w, "Pending:\t%d\n", p.Stats.PendingCount)
	fmt.Fprintf(w, "Processing:\t%d\n", p.Stats.ProcessingCount)
	fmt.Fprintf(w, "Sent:\t%d\n", p.Stats.SentCount)
	fmt.Fprintf(w, "Delivered:\t%d\n", p.Stats.DeliveredCount)
	fmt.Fprintf(w, "Read:\t%d\n", p.Stats.ReadCount)
	fmt.Fprintf(w, "Failed:\t%d\n", p.Stats.FailedCount)
	w.Flush()
}

func printBindings(bindings []models.CampaignInstance) {
	if len(bindings) == 0 {
		fmt.Println("No instances in rotation")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tNAME\tACTIVE\tSENT\tCAP\tLAST USED")
	fmt.Fprintln(w, "--------\t----\t------\t----\t---\t---------")

	for _, b := range bindings {
		limit := "-"
		if b.MaxMessages != nil {
			limit = fmt.Sprintf("%d", *b.MaxMessages)
		}
		lastUsed := "never"
		if b.LastUsedAt != nil {
			lastUsed = b.LastUsedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\t%s\n",
			truncateID(b.InstanceID),
			b.InstanceName,
			b.IsActive,
			b.MessagesSent,
			limit,
			lastUsed,
		)
	}

	w.Flush()
}

func runLeadReset(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	lead, err := client.ResetLead(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Lead %s reset to %s\n", lead.ID, lead.Status)
	return nil
}
