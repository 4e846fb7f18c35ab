// Package main implements authority-cli, the operator tool for the
// Birthmark authority.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/provisioning"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/validation"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/client"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authority-cli",
		Short:         "Birthmark authority CLI",
		Long:          `authority-cli provisions cameras, manages key tables and devices, and inspects the Birthmark authority.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("api-url", "http://localhost:8080", "Authority base URL")
	root.PersistentFlags().String("ca-cert", "", "CA bundle for verifying the authority (PEM)")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")
	root.PersistentFlags().Bool("json", false, "Output in JSON format")

	root.AddCommand(
		newTablesCmd(),
		newProvisionCmd(),
		newDeviceCmd(),
		newAbuseCmd(),
		newValidateCmd(),
		newAuditCmd(),
		newHealthCmd(),
		newVectorsCmd(),
	)
	return root
}

// getClient creates an API client from the command flags. The bearer token
// is read from BIRTHMARK_TOKEN.
func getClient(cmd *cobra.Command) (*client.Client, error) {
	apiURL, _ := cmd.Root().PersistentFlags().GetString("api-url")
	caFile, _ := cmd.Root().PersistentFlags().GetString("ca-cert")
	timeout, _ := cmd.Root().PersistentFlags().GetDuration("timeout")

	cfg := client.Config{
		BaseURL: apiURL,
		Token:   os.Getenv("BIRTHMARK_TOKEN"),
		Timeout: timeout,
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in CA bundle")
		}
		cfg.TLS = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return client.New(cfg), nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// Key Table Commands
// ============================================================================

func newTablesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Key table management",
	}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate the key tables (one-shot)",
		RunE: func(cmd *cobra.Command, args []string) error {
			total, _ := cmd.Flags().GetInt("total")
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			if err := c.GenerateTables(cmd.Context(), total); err != nil {
				return fmt.Errorf("generate tables: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %d key tables\n", total)
			return nil
		},
	}
	generate.Flags().Int("total", 2500, "Number of key tables")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show key table usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			s, err := c.TableStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("table stats: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tables: %d\nAssigned slots: %d\nUnused: %d\nUsage min/max/mean: %d/%d/%.2f\n",
				s.TotalTables, s.AssignedSlots, s.UnusedTables, s.MinUsage, s.MaxUsage, s.MeanUsage)
			return nil
		},
	}

	cmd.AddCommand(generate, stats)
	return cmd
}

// ============================================================================
// Provisioning Commands
// ============================================================================

func newProvisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Issue camera and software identities",
	}

	camera := &cobra.Command{
		Use:   "camera [serial]",
		Short: "Provision a camera",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, _ := cmd.Flags().GetString("family")
			includeKeys, _ := cmd.Flags().GetBool("include-keys")
			output, _ := cmd.Flags().GetString("output")

			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			bundle, err := c.ProvisionCamera(cmd.Context(), provisioning.Request{
				DeviceSerial:       args[0],
				DeviceFamily:       family,
				IncludeKeyMaterial: includeKeys,
			})
			if err != nil {
				return fmt.Errorf("provision camera: %w", err)
			}
			return writeBundle(cmd, output, bundle, func(w io.Writer) {
				fmt.Fprintf(w, "Provisioned %s (%s)\nTables: %v\nToken table/index: %d/%d\n",
					bundle.DeviceSerial, bundle.DeviceFamily, bundle.TableAssignments, bundle.KeyTableID, bundle.KeyIndex)
			})
		},
	}
	camera.Flags().String("family", "", "Device family")
	camera.Flags().Bool("include-keys", false, "Include master keys of the assigned tables")
	camera.Flags().String("output", "", "Write the bundle to this file (mode 0600)")

	bulk := &cobra.Command{
		Use:   "bulk [serial...]",
		Short: "Provision many cameras of one family",
		RunE: func(cmd *cobra.Command, args []string) error {
			family, _ := cmd.Flags().GetString("family")
			file, _ := cmd.Flags().GetString("file")

			serials := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readLines(file)
				if err != nil {
					return err
				}
				serials = append(serials, fromFile...)
			}
			if len(serials) == 0 {
				return errors.New("no serials given")
			}

			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.ProvisionBulk(cmd.Context(), serials, family)
			if err != nil {
				return fmt.Errorf("provision bulk: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %d of %d (%d failed)\n", res.Succeeded, res.Count, res.Failed)
			return nil
		},
	}
	bulk.Flags().String("family", "", "Device family")
	bulk.Flags().String("file", "", "File with one serial per line")

	software := &cobra.Command{
		Use:   "software [app-identifier]",
		Short: "Issue a software certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ver, _ := cmd.Flags().GetString("version-string")
			allowed, _ := cmd.Flags().GetStringSlice("allowed")
			developer, _ := cmd.Flags().GetString("developer")
			output, _ := cmd.Flags().GetString("output")

			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			bundle, err := c.ProvisionSoftware(cmd.Context(), provisioning.SoftwareRequest{
				DeveloperName:   developer,
				AppIdentifier:   args[0],
				VersionString:   ver,
				AllowedVersions: allowed,
			})
			if err != nil {
				return fmt.Errorf("provision software: %w", err)
			}
			return writeBundle(cmd, output, bundle, func(w io.Writer) {
				fmt.Fprintf(w, "Issued software certificate for %s\nAllowed versions: %s\n",
					bundle.AppIdentifier, strings.Join(bundle.AllowedVersions, ", "))
			})
		},
	}
	software.Flags().String("version-string", "", "Version the certificate is issued for")
	software.Flags().StringSlice("allowed", nil, "Allowed version constraints")
	software.Flags().String("developer", "", "Developer name")
	software.Flags().String("output", "", "Write the bundle to this file (mode 0600)")

	cmd.AddCommand(camera, bulk, software)
	return cmd
}

// writeBundle saves bundle to output, or prints it. Bundles hold private
// keys, so files are created owner-only.
func writeBundle(cmd *cobra.Command, output string, bundle any, summary func(io.Writer)) error {
	if output == "" {
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), bundle)
		}
		summary(cmd.OutOrStdout())
		return nil
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := os.WriteFile(output, data, 0o600); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	summary(cmd.OutOrStdout())
	fmt.Fprintf(cmd.OutOrStdout(), "Bundle written to %s\n", output)
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

// ============================================================================
// Device Commands
// ============================================================================

func printDevice(w io.Writer, d *models.DeviceRecord) {
	state := "active"
	if d.IsBlacklisted {
		state = "blacklisted: " + d.BlacklistReason
	}
	fmt.Fprintf(w, "%s  %s  tables=%v  %s\n", d.Serial, d.DeviceFamily, d.TableAssignments, state)
}

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Device registry",
	}

	get := &cobra.Command{
		Use:   "get [serial]",
		Short: "Show a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			d, err := c.GetDevice(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get device: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), d)
			}
			printDevice(cmd.OutOrStdout(), d)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			family, _ := cmd.Flags().GetString("family")
			blacklisted, _ := cmd.Flags().GetBool("blacklisted")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			devices, err := c.ListDevices(cmd.Context(), client.DeviceFilter{
				Family:      family,
				Blacklisted: blacklisted,
				Limit:       limit,
				Offset:      offset,
			})
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), devices)
			}
			for _, d := range devices {
				printDevice(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
	list.Flags().String("family", "", "Filter by device family")
	list.Flags().Bool("blacklisted", false, "Only blacklisted devices")
	list.Flags().Int("limit", 50, "Maximum results")
	list.Flags().Int("offset", 0, "Results to skip")

	blacklist := &cobra.Command{
		Use:   "blacklist [serial]",
		Short: "Blacklist a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			if reason == "" {
				return errors.New("--reason is required")
			}
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			d, err := c.BlacklistDevice(cmd.Context(), args[0], reason)
			if err != nil {
				return fmt.Errorf("blacklist device: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device blacklisted: %s\n", d.Serial)
			return nil
		},
	}
	blacklist.Flags().String("reason", "", "Reason recorded with the blacklist entry")

	unblacklist := &cobra.Command{
		Use:   "unblacklist [serial]",
		Short: "Restore a blacklisted device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			d, err := c.UnblacklistDevice(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("unblacklist device: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device restored: %s\n", d.Serial)
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show registry statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			s, err := c.DeviceStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("device stats: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Devices: %d (active %d, blacklisted %d)\n",
				s.TotalDevices, s.ActiveDevices, s.BlacklistedDevices)
			for family, n := range s.ByFamily {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", family, n)
			}
			return nil
		},
	}

	cmd.AddCommand(get, list, blacklist, unblacklist, stats)
	return cmd
}

// ============================================================================
// Abuse Commands
// ============================================================================

func newAbuseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abuse",
		Short: "Submission abuse detection",
	}

	check := &cobra.Command{
		Use:   "check [serial]",
		Short: "Run the abuse check for all devices, or one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				f, err := c.CheckDevice(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("check device: %w", err)
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), f)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d submissions, %s %s\n", f.DeviceSerial, f.Count, f.Action, f.Reason)
				return nil
			}

			report, err := c.RunAbuseCheck(cmd.Context())
			if err != nil {
				return fmt.Errorf("abuse check: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked %d devices: %d warned, %d blacklisted\n",
				report.DevicesChecked, len(report.Warned), len(report.Blacklisted))
			return nil
		},
	}

	report := &cobra.Command{
		Use:   "report",
		Short: "Show the abuse report",
		RunE: func(cmd *cobra.Command, args []string) error {
			top, _ := cmd.Flags().GetInt("top")
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			r, err := c.AbuseReport(cmd.Context(), top)
			if err != nil {
				return fmt.Errorf("abuse report: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), r)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Devices: %d (clean %d, warning %d, blacklisted %d)\n",
				r.TotalDevices, r.CleanDevices, r.WarningDevices, r.BlacklistedDevices)
			for _, s := range r.TopSubmitters {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %d\n", s.DeviceSerial, s.Count)
			}
			return nil
		},
	}
	report.Flags().Int("top", 10, "Number of top submitters")

	cmd.AddCommand(check, report)
	return cmd
}

// ============================================================================
// Validation Commands
// ============================================================================

func printResult(cmd *cobra.Command, res *validation.Result) error {
	if jsonOutput(cmd) {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if res.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "VALID (table %d)\n", res.TableID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "INVALID: %s %s\n", res.Reason, res.Message)
	return nil
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Submit proofs for validation",
	}

	token := &cobra.Command{
		Use:   "token [proof.json]",
		Short: "Validate a token proof read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open proof: %w", err)
				}
				defer f.Close()
				r = f
			}
			var proof tokencipher.ProofRequest
			if err := json.NewDecoder(r).Decode(&proof); err != nil {
				return fmt.Errorf("failed to decode proof: %w", err)
			}

			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.ValidateToken(cmd.Context(), proof)
			if err != nil {
				return fmt.Errorf("validate token: %w", err)
			}
			return printResult(cmd, res)
		},
	}

	certificate := &cobra.Command{
		Use:   "certificate",
		Short: "Validate a certificate bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			certFile, _ := cmd.Flags().GetString("cert")
			imageHash, _ := cmd.Flags().GetString("image-hash")
			gpsHash, _ := cmd.Flags().GetString("gps-hash")
			timestamp, _ := cmd.Flags().GetInt64("timestamp")
			signature, _ := cmd.Flags().GetString("signature")
			if certFile == "" || imageHash == "" || signature == "" {
				return errors.New("--cert, --image-hash and --signature are required")
			}

			cert, err := os.ReadFile(certFile)
			if err != nil {
				return fmt.Errorf("failed to read certificate: %w", err)
			}

			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.ValidateCertificate(cmd.Context(), client.CertificateBundle{
				Certificate:  string(cert),
				ContentHash:  imageHash,
				Timestamp:    timestamp,
				LocationHash: gpsHash,
				Signature:    signature,
			})
			if err != nil {
				return fmt.Errorf("validate certificate: %w", err)
			}
			return printResult(cmd, res)
		},
	}
	certificate.Flags().String("cert", "", "Camera certificate file (PEM or base64)")
	certificate.Flags().String("image-hash", "", "SHA-256 of the image (hex)")
	certificate.Flags().String("gps-hash", "", "SHA-256 of the location (hex)")
	certificate.Flags().Int64("timestamp", 0, "Capture time (unix seconds)")
	certificate.Flags().String("signature", "", "Bundle signature (base64)")

	cmd.AddCommand(token, certificate)
	return cmd
}

// ============================================================================
// Audit Commands
// ============================================================================

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log",
	}

	query := &cobra.Command{
		Use:   "query",
		Short: "Query audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType, _ := cmd.Flags().GetString("event-type")
			subject, _ := cmd.Flags().GetString("subject")
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := client.AuditFilter{
				EventType: models.AuditEventType(eventType),
				Subject:   subject,
				Limit:     limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			events, err := c.QueryAudit(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("query audit: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), events)
			}
			for _, e := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-8s %s %s\n",
					e.Timestamp.Format(time.RFC3339), e.EventType, e.Result, e.Actor, e.Subject)
			}
			return nil
		},
	}
	query.Flags().String("event-type", "", "Filter by event type")
	query.Flags().String("subject", "", "Filter by subject")
	query.Flags().Duration("since", 0, "Only events newer than this")
	query.Flags().Int("limit", 100, "Maximum results")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			report, err := c.VerifyAudit(cmd.Context())
			if err != nil {
				return fmt.Errorf("verify audit: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), report)
			}
			if !report.Valid {
				return fmt.Errorf("audit chain broken at %s: %s", report.BrokenAt, report.Problem)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Audit chain intact (%d events)\n", report.EventsChecked)
			return nil
		},
	}

	cmd.AddCommand(query, verify)
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check authority health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			h, err := c.Health(ctx)
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", h.Status, h.Version)
			return nil
		},
	}
}

// ============================================================================
// Local Commands
// ============================================================================

func newVectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vectors",
		Short: "Check the key derivation test vectors locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := keys.VerifyTestVectors()
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			}

			failed := 0
			for _, r := range results {
				status := "ok"
				if !r.Passed {
					status = "FAIL"
					failed++
				}
				if !jsonOutput(cmd) {
					fmt.Fprintf(cmd.OutOrStdout(), "%-4s %s index=%d %s\n", status, r.Name, r.KeyIndex, r.Actual)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d vectors failed", failed, len(results))
			}
			return nil
		},
	}
}
