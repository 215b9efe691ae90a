package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/sma-admission-api/internal/bootstrap"
	"github.com/noah-isme/sma-admission-api/internal/models"
	"github.com/noah-isme/sma-admission-api/internal/service"
	"github.com/noah-isme/sma-admission-api/internal/workflow"
	"github.com/noah-isme/sma-admission-api/pkg/config"
)

var (
	policyFrom   string
	tokenUser    string
	tokenRole    string
	tokenTTL     time.Duration
	expireReason string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Print the transition table",
	RunE: func(cmd *cobra.Command, args []string) error {
		policy := workflow.Default()
		from := models.AdmissionStatus(strings.ToUpper(policyFrom))
		if policyFrom != "" && !from.IsValid() {
			return fmt.Errorf("unknown status %q", policyFrom)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FROM\tTO\tDIRECTION\tREASONS")
		for _, edge := range policy.Edges() {
			if policyFrom != "" && edge.From != from {
				continue
			}
			reasons := make([]string, len(edge.Reasons))
			for i, r := range edge.Reasons {
				reasons[i] = string(r)
				if policy.IsRoleGated(r) {
					reasons[i] += "*"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", edge.From, edge.To, edge.Direction, strings.Join(reasons, ","))
		}
		fmt.Fprintf(w, "\n* reserved for %s\n", policy.AdminRole())
		return w.Flush()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for automation",
	RunE: func(cmd *cobra.Command, args []string) error {
		role := models.UserRole(strings.ToUpper(tokenRole))
		if !role.IsValid() {
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		tokens := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})
		signed, expiresAt, err := tokens.IssueToken(tokenUser, role, tokenTTL)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]interface{}{"token": signed, "expiresAt": expiresAt})
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire <application-id>...",
	Short: "Apply a system driven expiry to applications",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := models.ReasonCode(strings.ToUpper(expireReason))
		if !reason.IsValid() {
			return fmt.Errorf("unknown reason code %q", expireReason)
		}
		return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container) error {
			results := make(map[string]string, len(args))
			for _, id := range args {
				res, err := c.Admissions.RequestAutomatedTransition(ctx, id, models.StatusExpired, reason, models.JSONMap{"source": "admissionctl"})
				if err != nil {
					results[id] = err.Error()
					continue
				}
				results[id] = fmt.Sprintf("%s v%d", res.Application.Status, res.Application.Version)
			}
			return printJSON(cmd, results)
		})
	},
}

func init() {
	policyCmd.Flags().StringVar(&policyFrom, "from", "", "Only show edges leaving this status")
	tokenCmd.Flags().StringVar(&tokenUser, "user", models.SystemActorID, "Subject user id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(models.RoleSystem), "Role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 15*time.Minute, "Token lifetime")
	expireCmd.Flags().StringVar(&expireReason, "reason", string(models.ReasonAutoExpire), "Reason code recorded on the ledger")
}
