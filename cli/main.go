package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	Version   = "dev"
)

type Device struct {
	Fulluuid     string     `json:"fulluuid"`
	UUID15       string     `json:"uuid15"`
	ComputerName string     `json:"computer_name"`
	OSName       string     `json:"os_name"`
	OSVersion    string     `json:"os_version"`
	Status       string     `json:"status"`
	IsActive     bool       `json:"is_active"`
	LastCheckIn  *time.Time `json:"last_check_in"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Command struct {
	ID           uint       `json:"id"`
	CommandType  string     `json:"command_type"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	CreatedAt    time.Time  `json:"created_at"`
	DeliveredAt  *time.Time `json:"delivered_at"`
	ExecutedAt   *time.Time `json:"executed_at"`
	ErrorMessage string     `json:"error_message"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "wardenctl",
		Short: "Warden - desktop MDM administration",
		Long:  "Manage enrolled devices, command queues, and whitelists on a Warden server",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Warden server URL")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", os.Getenv("WARDEN_ADMIN_API_KEY"), "Admin API key")

	rootCmd.AddCommand(
		devicesCmd(),
		deviceCmd(),
		provisionCmd(),
		transitionCmd("suspend", "Suspend an enrolled device"),
		transitionCmd("reactivate", "Reactivate a suspended device"),
		transitionCmd("block", "Block a device"),
		transitionCmd("wipe", "Mark a device as wiped"),
		commandsCmd(),
		sendCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Devices []Device `json:"devices"`
			}
			if err := doRequest(http.MethodGet, "/admin/devices", nil, &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FULLUUID\tNAME\tOS\tSTATUS\tLAST CHECK-IN")
			fmt.Fprintln(w, "--------\t----\t--\t------\t-------------")

			for _, d := range out.Devices {
				lastSeen := "never"
				if d.LastCheckIn != nil {
					lastSeen = time.Since(*d.LastCheckIn).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\n",
					d.Fulluuid, d.ComputerName, d.OSName, d.OSVersion, d.Status, lastSeen)
			}

			w.Flush()
			return nil
		},
	}
}

func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device [fulluuid]",
		Short: "Show details for a specific device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Device Device `json:"device"`
			}
			if err := doRequest(http.MethodGet, "/admin/devices/"+args[0], nil, &out); err != nil {
				return err
			}
			d := out.Device

			fmt.Printf("Device: %s\n", d.Fulluuid)
			fmt.Printf("========================================\n\n")
			fmt.Printf("UUID15:       %s\n", d.UUID15)
			fmt.Printf("Name:         %s\n", d.ComputerName)
			fmt.Printf("OS:           %s %s\n", d.OSName, d.OSVersion)
			fmt.Printf("Status:       %s\n", d.Status)
			fmt.Printf("Active:       %v\n", d.IsActive)
			if d.LastCheckIn != nil {
				fmt.Printf("Last Seen:    %s (%s ago)\n",
					d.LastCheckIn.Format(time.RFC3339), time.Since(*d.LastCheckIn).Round(time.Second))
			} else {
				fmt.Printf("Last Seen:    never\n")
			}
			fmt.Printf("Provisioned:  %s\n", d.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func provisionCmd() *cobra.Command {
	var uuid15, notes string
	cmd := &cobra.Command{
		Use:   "provision [fulluuid]",
		Short: "Provision a device so it may enroll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"fulluuid": args[0],
				"uuid15":   uuid15,
				"notes":    notes,
			}
			if err := doRequest(http.MethodPost, "/admin/devices", body, nil); err != nil {
				return err
			}
			fmt.Printf("Provisioned %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&uuid15, "uuid15", "", "15-character short identifier")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	cmd.MarkFlagRequired("uuid15")
	return cmd
}

func transitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [fulluuid]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Status string `json:"status"`
			}
			path := "/admin/devices/" + args[0] + "/" + action
			if err := doRequest(http.MethodPost, path, nil, &out); err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", args[0], out.Status)
			return nil
		},
	}
}

func commandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commands [fulluuid]",
		Short: "List commands queued for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Commands []Command `json:"commands"`
			}
			if err := doRequest(http.MethodGet, "/admin/commands?device_fulluuid="+args[0], nil, &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIORITY\tCREATED")
			fmt.Fprintln(w, "--\t----\t------\t--------\t-------")
			for _, c := range out.Commands {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
					c.ID, c.CommandType, c.Status, c.Priority, c.CreatedAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var cmdType, payload string
	var priority int
	cmd := &cobra.Command{
		Use:   "send [fulluuid]",
		Short: "Queue a command for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
			body := map[string]any{
				"device_fulluuid": args[0],
				"command_type":    cmdType,
				"payload":         parsed,
				"priority":        priority,
			}
			var out struct {
				CommandID uint `json:"command_id"`
			}
			if err := doRequest(http.MethodPost, "/admin/commands", body, &out); err != nil {
				return err
			}
			fmt.Printf("Queued command %d (%s) for %s\n", out.CommandID, cmdType, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&cmdType, "type", "", "Command type, e.g. GET_WHITELIST")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Command payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "Delivery priority (higher first)")
	cmd.MarkFlagRequired("type")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wardenctl version %s\n", Version)
		},
	}
}

func doRequest(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
