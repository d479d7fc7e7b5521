package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"codegraph-backend/internal/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, verify, and restore backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the graph, vectors, and metadata",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Recompute a backup's checksum and report missing artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupVerify,
}

var restorePreviewCmd = &cobra.Command{
	Use:   "restore-preview <backup-id>",
	Short: "Dry-run a restore and issue a restore token",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestorePreview,
}

var restoreApproveCmd = &cobra.Command{
	Use:   "restore-approve <token>",
	Short: "Approve a restore token that requires sign-off",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestoreApprove,
}

var restoreApplyCmd = &cobra.Command{
	Use:   "restore-apply <backup-id>",
	Short: "Preview a backup, gate it, and apply the restore",
	Long: "restore-apply runs the full restore handshake in one process: it\n" +
		"previews the backup, issues a token, optionally records a second\n" +
		"approval via --approve-as, and applies the restore. Tokens are\n" +
		"process-local; the token-per-request flow is served over HTTP.",
	Args: cobra.ExactArgs(1),
	RunE: runRestoreApply,
}

func init() {
	backupCreateCmd.Flags().String("type", "full", "full | incremental")
	backupCreateCmd.Flags().Bool("include-config", true, "include a redacted config snapshot")
	backupCreateCmd.Flags().Bool("compress", false, "also write a tar.gz archive when the provider supports streaming")
	backupCreateCmd.Flags().String("provider", "", "storage provider id (default: configured provider)")
	backupCreateCmd.Flags().StringToString("label", nil, "labels to attach, e.g. --label env=prod")

	restorePreviewCmd.Flags().Bool("verify-integrity", true, "recompute the checksum during the dry run")
	restorePreviewCmd.Flags().String("requested-by", "", "who is requesting the restore")

	restoreApproveCmd.Flags().String("approver", "", "who is approving")

	restoreApplyCmd.Flags().String("components", "", "comma-separated subset to restore (default: all recorded)")
	restoreApplyCmd.Flags().String("requested-by", "", "who is requesting the restore")
	restoreApplyCmd.Flags().String("approve-as", "", "record a second approval under this name")
	restoreApplyCmd.Flags().Bool("skip-integrity", false, "skip the checksum recompute during preview")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(restorePreviewCmd)
	backupCmd.AddCommand(restoreApproveCmd)
	backupCmd.AddCommand(restoreApplyCmd)
}

func runBackupCreate(cmd *cobra.Command, _ []string) error {
	backupType, _ := cmd.Flags().GetString("type")
	includeConfig, _ := cmd.Flags().GetBool("include-config")
	compress, _ := cmd.Flags().GetBool("compress")
	providerID, _ := cmd.Flags().GetString("provider")
	labels, _ := cmd.Flags().GetStringToString("label")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		md, err := a.backups.CreateBackup(ctx, backup.CreateOptions{
			Type:              backupType,
			IncludeData:       true,
			IncludeConfig:     includeConfig,
			Compression:       compress,
			StorageProviderID: providerID,
			Labels:            labels,
		})
		if err != nil {
			return err
		}
		return printJSON(md)
	})
}

func runBackupList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		backups, err := a.backups.ListBackups(ctx)
		if err != nil {
			return err
		}
		return printJSON(backups)
	})
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		result, err := a.backups.VerifyBackup(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

func runRestorePreview(cmd *cobra.Command, args []string) error {
	verifyIntegrity, _ := cmd.Flags().GetBool("verify-integrity")
	requestedBy, _ := cmd.Flags().GetString("requested-by")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		preview, err := a.backups.PreviewRestore(ctx, args[0], backup.PreviewOptions{
			RequestedBy:     requestedBy,
			VerifyIntegrity: verifyIntegrity,
		})
		if err != nil {
			return err
		}
		return printJSON(preview)
	})
}

func runRestoreApprove(cmd *cobra.Command, args []string) error {
	approver, _ := cmd.Flags().GetString("approver")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		token, err := a.backups.ApproveRestore(ctx, args[0], approver)
		if err != nil {
			return err
		}
		return printJSON(token)
	})
}

func runRestoreApply(cmd *cobra.Command, args []string) error {
	rawComponents, _ := cmd.Flags().GetString("components")
	requestedBy, _ := cmd.Flags().GetString("requested-by")
	approveAs, _ := cmd.Flags().GetString("approve-as")
	skipIntegrity, _ := cmd.Flags().GetBool("skip-integrity")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		preview, err := a.backups.PreviewRestore(ctx, args[0], backup.PreviewOptions{
			RequestedBy:     requestedBy,
			VerifyIntegrity: !skipIntegrity,
		})
		if err != nil {
			return err
		}
		if preview.Token.RequiresApproval {
			if approveAs == "" {
				// Surface the findings, then let the gate reject the apply
				// so the operator sees why --approve-as is needed.
				if err := printJSON(preview); err != nil {
					return err
				}
			} else {
				if _, err := a.backups.ApproveRestore(ctx, preview.Token.Token, approveAs); err != nil {
					return err
				}
			}
		}

		var components []string
		if rawComponents != "" {
			for _, c := range strings.Split(rawComponents, ",") {
				components = append(components, strings.TrimSpace(c))
			}
		}
		result, err := a.backups.ApplyRestore(ctx, backup.ApplyOptions{
			Token:      preview.Token.Token,
			Components: components,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}
