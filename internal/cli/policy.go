package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harun/agentgw/internal/config"
	"github.com/harun/agentgw/internal/daemon"
	"github.com/harun/agentgw/pkg/gateway"
	"github.com/harun/agentgw/pkg/protocol"
	"github.com/harun/agentgw/pkg/store"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

// PolicyFile is the YAML form of a workspace tool policy
//
//	toolDefault: allow
//	highRisk: deny
//	tools:
//	  bash.exec: allow
type PolicyFile struct {
	ToolDefault string            `yaml:"toolDefault"`
	HighRisk    string            `yaml:"highRisk"`
	Tools       map[string]string `yaml:"tools"`
}

// LoadPolicyFile reads and validates a policy file. Missing decisions keep
// the built-in defaults.
func LoadPolicyFile(path string) (*store.PolicyRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}

	p := toolexecutor.DefaultPolicy()
	if file.ToolDefault != "" {
		if p.ToolDefault = store.Decision(file.ToolDefault); !p.ToolDefault.Valid() {
			return nil, fmt.Errorf("toolDefault must be allow or deny, got %q", file.ToolDefault)
		}
	}
	if file.HighRisk != "" {
		if p.HighRisk = store.Decision(file.HighRisk); !p.HighRisk.Valid() {
			return nil, fmt.Errorf("highRisk must be allow or deny, got %q", file.HighRisk)
		}
	}
	for tool, decision := range file.Tools {
		d := store.Decision(decision)
		if !d.Valid() {
			return nil, fmt.Errorf("tools.%s must be allow or deny, got %q", tool, decision)
		}
		p.Tools[tool] = d
	}
	return p, nil
}

var (
	policyFile      string
	policyTenant    string
	policyWorkspace string
	policyScopeKey  string
	policyToken     string
	policyDryRun    bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and apply tool policies",
}

var policyResolveCmd = &cobra.Command{
	Use:   "resolve <tool>",
	Short: "Show the decision a policy gives a tool",
	Long: `Show whether a tool is allowed. The policy comes from --file, or from
the policy section of the config when no file is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyResolve,
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Validate a policy file and push it to the gateway",
	Long: `Validate a YAML policy file and send it to the running gateway as a
policy.update call. Needs an admin token unless the gateway runs in dev mode.`,
	RunE: runPolicyApply,
}

func init() {
	policyResolveCmd.Flags().StringVar(&policyFile, "file", "", "YAML policy file")

	policyApplyCmd.Flags().StringVar(&policyFile, "file", "", "YAML policy file (required)")
	policyApplyCmd.Flags().StringVar(&policyTenant, "tenant", "", "tenant id (required)")
	policyApplyCmd.Flags().StringVar(&policyWorkspace, "workspace", "", "workspace id (required)")
	policyApplyCmd.Flags().StringVar(&policyScopeKey, "scope-key", toolexecutor.DefaultScopeKey, "policy scope key")
	policyApplyCmd.Flags().StringVar(&policyToken, "token", "", "admin token (issued from jwt_secret when empty)")
	policyApplyCmd.Flags().BoolVar(&policyDryRun, "dry-run", false, "validate only")
	_ = policyApplyCmd.MarkFlagRequired("file")
	_ = policyApplyCmd.MarkFlagRequired("tenant")
	_ = policyApplyCmd.MarkFlagRequired("workspace")

	policyCmd.AddCommand(policyResolveCmd, policyApplyCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyResolve(cmd *cobra.Command, args []string) error {
	var (
		p   *store.PolicyRecord
		err error
	)
	if policyFile != "" {
		p, err = LoadPolicyFile(policyFile)
	} else {
		var cfg *config.Config
		cfg, err = loadConfig(cmd)
		if err == nil {
			p = daemon.PolicyFromConfig(cfg.Policy)
		}
	}
	if err != nil {
		return err
	}

	tool := args[0]
	decision := toolexecutor.Resolve(p, tool)
	risk := ""
	if toolexecutor.IsHighRisk(tool) {
		risk = " (high-risk)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s%s\n", tool, decision, risk)
	return nil
}

func runPolicyApply(cmd *cobra.Command, args []string) error {
	p, err := LoadPolicyFile(policyFile)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if policyDryRun {
		fmt.Fprintf(out, "%s is valid (%d tool overrides)\n", policyFile, len(p.Tools))
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tools := make(map[string]any, len(p.Tools))
	for name, d := range p.Tools {
		tools[name] = string(d)
	}
	frame, err := json.Marshal(map[string]any{
		"type":   protocol.FrameTypeRequest,
		"id":     uuid.NewString(),
		"method": string(protocol.MethodPolicyUpdate),
		"params": map[string]any{
			"scopeKey":       policyScopeKey,
			"toolDefault":    string(p.ToolDefault),
			"highRisk":       string(p.HighRisk),
			"tools":          tools,
			"idempotencyKey": uuid.NewString(),
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, gatewayURL(cfg)+"/rpc", bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorizePolicyRequest(req, cfg); err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var env struct {
		Response struct {
			OK      bool `json:"ok"`
			Payload struct {
				Policy *store.PolicyRecord `json:"policy"`
			} `json:"payload"`
			Error *protocol.Error `json:"error"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("invalid gateway response: %w", err)
	}
	if !env.Response.OK {
		if env.Response.Error != nil {
			return env.Response.Error
		}
		return fmt.Errorf("policy.update failed")
	}

	if applied := env.Response.Payload.Policy; applied != nil {
		fmt.Fprintf(out, "Policy applied to %s/%s (version %d)\n", policyTenant, policyWorkspace, applied.Version)
		names := make([]string, 0, len(applied.Tools))
		for name := range applied.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %s: %s\n", name, applied.Tools[name])
		}
	} else {
		fmt.Fprintf(out, "Policy applied to %s/%s\n", policyTenant, policyWorkspace)
	}
	return nil
}

// authorizePolicyRequest sets bearer or dev-mode headers on req
func authorizePolicyRequest(req *http.Request, cfg *config.Config) error {
	token := policyToken
	if token == "" && cfg.Gateway.JWTSecret != "" {
		issued, err := gateway.NewAuthenticator(cfg.Gateway.JWTSecret, 5*time.Minute).Issue(gateway.Principal{
			TenantID:    policyTenant,
			WorkspaceID: policyWorkspace,
			UserID:      "agentgw-cli",
			Scopes:      []string{gateway.ScopeAdmin},
		})
		if err != nil {
			return fmt.Errorf("failed to issue admin token: %w", err)
		}
		token = issued
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set(gateway.HeaderTenant, policyTenant)
	req.Header.Set(gateway.HeaderWorkspace, policyWorkspace)
	return nil
}
