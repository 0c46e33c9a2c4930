package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"pactline/internal/app"
	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/engine/access"
	"pactline/internal/engine/workflow"
	"pactline/internal/logger"
	"pactline/internal/migrate"
	"pactline/internal/repo"
	"pactline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pact",
	Short: "Pactline CLI",
	Long: `Pactline tracks supplier/customer commitments with dual-signature workflows.
Core concepts:
- Workspace: your .pactline directory holding only the database; org config lives in the DB and is imported explicitly.
- Organisation: the tenant that owns projects, members, and config overrides.
- Project: the scope for milestones, deliverables, variations, certificates, and time entries.
- Milestones: commitments that lock a version 1 baseline once both parties sign.
- Baselines: append-only history; the current baseline is recomputed by folding deltas, never stored as trusted state.
- Variations: cost/schedule changes that fold into milestone baselines on the second signature.
- Deliverables: work items flowing not_started -> in_progress -> submitted_for_review -> review_complete -> delivered.
- Certificates: completion sign-off, issued only once every milestone deliverable is delivered.
- Time entries: contributor-owned drafts approved by the supplier PM.
- Event log: diary of changes, view with 'pact log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if _, err := logger.Init(viper.GetString("log-level"), viper.GetString("log-format")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PACTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organisation id (overrides workspace default)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(variationCmd())
	rootCmd.AddCommand(certificateCmd())
	rootCmd.AddCommand(timeCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organisations"}
	org.AddCommand(orgListCmd())
	org.AddCommand(orgCreateCmd())
	org.AddCommand(orgShowCmd())
	org.AddCommand(orgUpdateCmd())
	org.AddCommand(orgUseCmd())
	org.AddCommand(orgConfigCmd())
	org.AddCommand(orgMemberCmd())
	return org
}

func orgListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List organisations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func orgCreateCmd() *cobra.Command {
	var id, name, tier string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create organisation",
		Long:  "Creates the organisation and bootstraps the invoking actor as its first admin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if _, err := r.GetOrg(cmd.Context(), id); err == nil {
				return fmt.Errorf("organisation %s already exists", id)
			}
			orgID, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), id, viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			if name != "" || tier != "" {
				e, err := engine.New(conn, cfg)
				if err != nil {
					return err
				}
				opts := engine.OrgUpdateOptions{}
				if name != "" {
					opts.Name = &name
				}
				if tier != "" {
					opts.Tier = &tier
				}
				actor := engine.Actor{UserID: viper.GetString("actor-id"), OrgID: orgID}
				if _, err := e.UpdateOrganisation(cmd.Context(), actor, orgID, opts); err != nil {
					return err
				}
			}
			o, err := r.GetOrg(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			return printJSONOrTable(o)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "organisation id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&tier, "tier", "", "tier")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show an organisation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				target := actor.OrgID
				if len(args) == 1 {
					target = args[0]
				}
				o, err := e.Organisation(ctx, actor, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orgUpdateCmd() *cobra.Command {
	var name, tier string
	var active bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the organisation",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.OrgUpdateOptions{}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("tier") {
				opts.Tier = &tier
			}
			if cmd.Flags().Changed("active") {
				opts.Active = &active
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				o, err := e.UpdateOrganisation(ctx, actor, actor.OrgID, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&tier, "tier", "", "tier")
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	return cmd
}

func orgUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current organisation for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := strings.TrimSpace(args[0])
			if orgID == "" {
				return fmt.Errorf("organisation id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PACTLINE_ORG", orgID); err != nil {
				return err
			}
			fmt.Printf("Set PACTLINE_ORG=%s in %s/.env\n", orgID, workspace)
			return nil
		},
	}
	return cmd
}

func orgConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage org config",
		Long:  "Config is the rulebook (stored in DB): permission matrix overrides, signing sides, and defaults. Import from pactline.yml if desired.",
	}
	cfg.AddCommand(orgConfigInitCmd())
	cfg.AddCommand(orgConfigShowCmd())
	cfg.AddCommand(orgConfigImportCmd())
	cfg.AddCommand(orgConfigValidateCmd())
	return cfg
}

func orgConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter pactline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				path := config.Path(viper.GetString("workspace"))
				if _, err := os.Stat(path); err == nil && !force {
					return fmt.Errorf("%s already exists, pass --force to overwrite", path)
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(actor.OrgID)), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func orgConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show org config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				cfg, err := e.OrgConfig(ctx, actor, actor.OrgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	return cmd
}

func orgConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import org config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				cfg, err = config.LoadOptional(viper.GetString("workspace"))
				if err == nil && cfg == nil {
					err = fmt.Errorf("no %s in the workspace; pass --file", config.Path("."))
				}
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				if err := e.SetOrgConfig(ctx, actor, cfg.Organisation.ID, cfg); err != nil {
					return err
				}
				out, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to the workspace pactline.yml)")
	return cmd
}

func orgConfigValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate org config",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
					var inner error
					cfg, inner = e.OrgConfig(ctx, actor, actor.OrgID)
					return inner
				})
			}
			if err == nil {
				if _, merr := access.NewMatrix(cfg); merr != nil {
					err = merr
				} else if _, serr := workflow.NewSides(cfg); serr != nil {
					err = serr
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to stored config)")
	return cmd
}

func orgMemberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage org memberships"}
	member.AddCommand(orgMemberGrantCmd())
	member.AddCommand(orgMemberRevokeCmd())
	member.AddCommand(orgMemberListCmd())
	return member
}

func orgMemberGrantCmd() *cobra.Command {
	var userID, userName, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant org role to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				m, err := e.GrantOrgRole(ctx, actor, engine.OrgRoleGrant{
					OrgID:    actor.OrgID,
					UserID:   userID,
					UserName: userName,
					Role:     role,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&userName, "name", "", "user display name (for new users)")
	cmd.Flags().StringVar(&role, "role", "", "org role (org_admin, org_member)")
	return cmd
}

func orgMemberRevokeCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a user's org membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				return e.RevokeOrgRole(ctx, actor, actor.OrgID, userID)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func orgMemberListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List org members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.OrgMembers(ctx, actor, actor.OrgID, all)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive memberships")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectMemberCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				if opts.OrgID == "" {
					opts.OrgID = actor.OrgID
				}
				p, err := e.CreateProject(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "project reference")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().Int64Var(&opts.BudgetCents, "budget", 0, "budget in cents")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency code (defaults from org config)")
	cmd.Flags().StringVar(&opts.SettingsJSON, "settings-json", "", "settings JSON")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.Projects(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, settingsJSON string
	var budget int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ProjectUpdateOptions{}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("budget") {
				opts.BudgetCents = &budget
			}
			if cmd.Flags().Changed("settings-json") {
				opts.SettingsJSON = &settingsJSON
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				p, err := e.UpdateProject(ctx, actor, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().Int64Var(&budget, "budget", 0, "budget in cents")
	cmd.Flags().StringVar(&settingsJSON, "settings-json", "", "settings JSON")
	return cmd
}

func projectMemberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage project memberships"}
	member.AddCommand(projectMemberGrantCmd())
	member.AddCommand(projectMemberRevokeCmd())
	member.AddCommand(projectMemberListCmd())
	return member
}

func projectMemberGrantCmd() *cobra.Command {
	var projectID, userID, userName, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant project role to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" || userID == "" || role == "" {
				return fmt.Errorf("--project, --user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				m, err := e.GrantProjectRole(ctx, actor, engine.ProjectRoleGrant{
					ProjectID: projectID,
					UserID:    userID,
					UserName:  userName,
					Role:      role,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&userName, "name", "", "user display name (for new users)")
	cmd.Flags().StringVar(&role, "role", "", "project role (admin, supplier_pm, supplier_finance, customer_pm, customer_finance, contributor, viewer)")
	return cmd
}

func projectMemberRevokeCmd() *cobra.Command {
	var projectID, userID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a user's project membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" || userID == "" {
				return fmt.Errorf("--project and --user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				return e.RevokeProjectRole(ctx, actor, projectID, userID)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func projectMemberListCmd() *cobra.Command {
	var projectID string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List project members",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ProjectMembers(ctx, actor, projectID, all)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().BoolVar(&all, "all", false, "include inactive memberships")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userSetAdminCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				u, err := e.CreateUser(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().BoolVar(&opts.SystemAdmin, "system-admin", false, "grant system admin")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func userSetAdminCmd() *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "set-admin <id>",
		Short: "Grant or revoke system admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				if err := e.SetSystemAdmin(ctx, actor, args[0], !revoke); err != nil {
					return err
				}
				u, err := e.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke instead of grant")
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "See the scoreboard for a project: milestone states, locked baseline value, and variation counts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				var p domain.Project
				var err error
				if projectID == "" {
					// single-project workspaces need no flag
					p, err = e.Repo.SingleProject(ctx)
				} else {
					p, err = e.Repo.GetProject(ctx, projectID)
				}
				if err != nil {
					return err
				}
				projectID = p.ID
				milestones, err := e.ListMilestones(ctx, actor, repo.WorkflowFilters{ProjectID: projectID})
				if err != nil {
					return err
				}
				variations, err := e.ListVariations(ctx, actor, repo.WorkflowFilters{ProjectID: projectID})
				if err != nil {
					return err
				}
				msCounts := map[string]int{}
				var lockedCost int64
				for _, m := range milestones {
					msCounts[m.Status]++
					if m.Status == "locked" {
						b, err := e.Baseline(ctx, actor, m.ID)
						if err != nil {
							return err
						}
						lockedCost += b.CostCents
					}
				}
				vCounts := map[string]int{}
				for _, v := range variations {
					vCounts[v.Status]++
				}
				out := map[string]any{
					"project_id":        p.ID,
					"reference":         p.Reference,
					"milestone_counts":  msCounts,
					"variation_counts":  vCounts,
					"locked_cost_cents": lockedCost,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.Reference, p.Name)
				fmt.Printf("Locked baseline cost: %d\n", lockedCost)
				fmt.Println("Milestones:")
				for status, c := range msCounts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Variations:")
				for status, c := range vCounts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (defaults to the only project)")
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestones",
		Long:  "Milestones carry the commercial commitment. Both parties sign to lock the version 1 baseline; after that the scope changes only through variations.",
	}
	ms.AddCommand(milestoneCreateCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneShowCmd())
	ms.AddCommand(milestoneUpdateCmd())
	ms.AddCommand(actionCmd(domain.KindMilestone, "sign", "Sign the milestone (locks the baseline on the second signature)"))
	ms.AddCommand(milestoneBaselineCmd())
	ms.AddCommand(milestoneHistoryCmd())
	for _, c := range lifecycleCommands(domain.KindMilestone) {
		ms.AddCommand(c)
	}
	return ms
}

func milestoneCreateCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				m, err := e.CreateMilestone(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "milestone id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "milestone reference")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&opts.CostCents, "cost", 0, "cost in cents")
	cmd.Flags().Int64Var(&opts.BillableCents, "billable", 0, "billable in cents")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	var f repo.WorkflowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.ProjectID == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ListMilestones(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Reference", "Title", "Status", "Cost", "Billable"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Reference, m.Title, m.Status, m.CostCents, m.BillableCents})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include tombstoned records")
	return cmd
}

func milestoneShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				m, err := e.GetMilestone(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func milestoneUpdateCmd() *cobra.Command {
	var reference, title, start, end string
	var cost, billable int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a draft milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.MilestoneUpdateOptions{}
			if cmd.Flags().Changed("reference") {
				opts.Reference = &reference
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("start") {
				opts.StartDate = &start
			}
			if cmd.Flags().Changed("end") {
				opts.EndDate = &end
			}
			if cmd.Flags().Changed("cost") {
				opts.CostCents = &cost
			}
			if cmd.Flags().Changed("billable") {
				opts.BillableCents = &billable
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				m, err := e.UpdateMilestone(ctx, actor, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "milestone reference")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&cost, "cost", 0, "cost in cents")
	cmd.Flags().Int64Var(&billable, "billable", 0, "billable in cents")
	return cmd
}

func milestoneBaselineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline <id>",
		Short: "Show the current baseline (folded from history)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				b, err := e.Baseline(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func milestoneHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show baseline version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				versions, err := e.BaselineHistory(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(versions)
			})
		},
	}
	return cmd
}

func deliverableCmd() *cobra.Command {
	del := &cobra.Command{
		Use:   "deliverable",
		Short: "Manage deliverables",
	}
	del.AddCommand(deliverableCreateCmd())
	del.AddCommand(deliverableListCmd())
	del.AddCommand(deliverableShowCmd())
	del.AddCommand(deliverableUpdateCmd())
	del.AddCommand(actionCmd(domain.KindDeliverable, "start", "Start work"))
	del.AddCommand(actionCmd(domain.KindDeliverable, "submit", "Submit for review"))
	del.AddCommand(actionCmd(domain.KindDeliverable, "complete_review", "Mark review complete"))
	del.AddCommand(actionCmd(domain.KindDeliverable, "return", "Return for rework"))
	del.AddCommand(actionCmd(domain.KindDeliverable, "sign", "Sign off delivery"))
	for _, c := range lifecycleCommands(domain.KindDeliverable) {
		del.AddCommand(c)
	}
	return del
}

func deliverableCreateCmd() *cobra.Command {
	var opts engine.DeliverableCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deliverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				d, err := e.CreateDeliverable(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "deliverable id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("milestone")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func deliverableListCmd() *cobra.Command {
	var f repo.WorkflowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.ProjectID == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ListDeliverables(ctx, actor, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.MilestoneID, "milestone", "", "milestone filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include tombstoned records")
	return cmd
}

func deliverableShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				d, err := e.GetDeliverable(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func deliverableUpdateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a deliverable title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				d, err := e.UpdateDeliverable(ctx, actor, args[0], title)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	return cmd
}

func variationCmd() *cobra.Command {
	vr := &cobra.Command{
		Use:   "variation",
		Short: "Manage variations",
		Long:  "Variations change locked milestones. The second signature applies the deltas as a new baseline version on every target milestone atomically.",
	}
	vr.AddCommand(variationCreateCmd())
	vr.AddCommand(variationListCmd())
	vr.AddCommand(variationShowCmd())
	vr.AddCommand(variationUpdateCmd())
	vr.AddCommand(actionCmd(domain.KindVariation, "submit", "Submit for signatures"))
	vr.AddCommand(actionCmd(domain.KindVariation, "sign", "Sign the variation (applies it on the second signature)"))
	vr.AddCommand(actionCmd(domain.KindVariation, "reject", "Reject a submitted variation"))
	for _, c := range lifecycleCommands(domain.KindVariation) {
		vr.AddCommand(c)
	}
	return vr
}

func variationCreateCmd() *cobra.Command {
	var opts engine.VariationCreateOptions
	var milestones []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a variation",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.MilestoneIDs = milestones
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				v, err := e.CreateVariation(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "variation id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "variation reference")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().Int64Var(&opts.CostDeltaCents, "cost-delta", 0, "cost delta in cents")
	cmd.Flags().Int64Var(&opts.BillableDeltaCents, "billable-delta", 0, "billable delta in cents")
	cmd.Flags().IntVar(&opts.ScheduleDeltaDays, "schedule-delta", 0, "schedule delta in days")
	cmd.Flags().StringArrayVar(&milestones, "milestone", []string{}, "target milestone id (repeatable)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func variationListCmd() *cobra.Command {
	var f repo.WorkflowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List variations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.ProjectID == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ListVariations(ctx, actor, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include tombstoned records")
	return cmd
}

func variationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a variation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				v, err := e.GetVariation(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func variationUpdateCmd() *cobra.Command {
	var reference, title, reason string
	var costDelta, billableDelta int64
	var scheduleDelta int
	var milestones []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a draft variation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.VariationUpdateOptions{}
			if cmd.Flags().Changed("reference") {
				opts.Reference = &reference
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("cost-delta") {
				opts.CostDeltaCents = &costDelta
			}
			if cmd.Flags().Changed("billable-delta") {
				opts.BillableDeltaCents = &billableDelta
			}
			if cmd.Flags().Changed("schedule-delta") {
				opts.ScheduleDeltaDays = &scheduleDelta
			}
			if cmd.Flags().Changed("milestone") {
				opts.MilestoneIDs = milestones
			}
			if cmd.Flags().Changed("reason") {
				opts.Reason = &reason
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				v, err := e.UpdateVariation(ctx, actor, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "variation reference")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().Int64Var(&costDelta, "cost-delta", 0, "cost delta in cents")
	cmd.Flags().Int64Var(&billableDelta, "billable-delta", 0, "billable delta in cents")
	cmd.Flags().IntVar(&scheduleDelta, "schedule-delta", 0, "schedule delta in days")
	cmd.Flags().StringArrayVar(&milestones, "milestone", []string{}, "target milestone id (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func certificateCmd() *cobra.Command {
	cert := &cobra.Command{
		Use:   "certificate",
		Short: "Manage completion certificates",
	}
	cert.AddCommand(certificateCreateCmd())
	cert.AddCommand(certificateListCmd())
	cert.AddCommand(certificateShowCmd())
	cert.AddCommand(actionCmd(domain.KindCertificate, "sign", "Sign the certificate (requires every milestone deliverable delivered)"))
	for _, c := range lifecycleCommands(domain.KindCertificate) {
		cert.AddCommand(c)
	}
	return cert
}

func certificateCreateCmd() *cobra.Command {
	var opts engine.CertificateCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				c, err := e.CreateCertificate(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "certificate id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "certificate reference")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("milestone")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func certificateListCmd() *cobra.Command {
	var f repo.WorkflowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.ProjectID == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ListCertificates(ctx, actor, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.MilestoneID, "milestone", "", "milestone filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include tombstoned records")
	return cmd
}

func certificateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				c, err := e.GetCertificate(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func timeCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "time",
		Short: "Manage time entries",
		Long:  "Time entries are contributor-owned drafts. Submit sends them to the supplier PM, who approves or returns them.",
	}
	t.AddCommand(timeCreateCmd())
	t.AddCommand(timeListCmd())
	t.AddCommand(timeShowCmd())
	t.AddCommand(timeUpdateCmd())
	t.AddCommand(actionCmd(domain.KindTimeEntry, "submit", "Submit for approval"))
	t.AddCommand(actionCmd(domain.KindTimeEntry, "approve", "Approve a submitted entry"))
	t.AddCommand(actionCmd(domain.KindTimeEntry, "return", "Return a submitted entry to draft"))
	for _, c := range lifecycleCommands(domain.KindTimeEntry) {
		t.AddCommand(c)
	}
	return t
}

func timeCreateCmd() *cobra.Command {
	var opts engine.TimeEntryCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Log time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				t, err := e.CreateTimeEntry(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "entry id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id (defaults to the actor)")
	cmd.Flags().StringVar(&opts.DeliverableID, "deliverable", "", "deliverable id")
	cmd.Flags().StringVar(&opts.EntryDate, "date", "", "entry date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Minutes, "minutes", 0, "minutes worked")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("minutes")
	return cmd
}

func timeListCmd() *cobra.Command {
	var f repo.TimeEntryFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List time entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.ProjectID == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.ListTimeEntries(ctx, actor, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include tombstoned records")
	return cmd
}

func timeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a time entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				t, err := e.GetTimeEntry(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func timeUpdateCmd() *cobra.Command {
	var deliverable, date, notes string
	var minutes int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a draft time entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TimeEntryUpdateOptions{}
			if cmd.Flags().Changed("deliverable") {
				opts.DeliverableID = &deliverable
			}
			if cmd.Flags().Changed("date") {
				opts.EntryDate = &date
			}
			if cmd.Flags().Changed("minutes") {
				opts.Minutes = &minutes
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				t, err := e.UpdateTimeEntry(ctx, actor, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&deliverable, "deliverable", "", "deliverable id")
	cmd.Flags().StringVar(&date, "date", "", "entry date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "minutes worked")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func accessCmd() *cobra.Command {
	acc := &cobra.Command{Use: "access", Short: "Inspect access control"}
	acc.AddCommand(accessWhoamiCmd())
	acc.AddCommand(accessCheckCmd())
	acc.AddCommand(accessMatrixCmd())
	return acc
}

func accessWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor tenancy and roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				t, err := e.ResolveTenancy(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"user":           t.User,
					"org_membership": t.OrgMembership,
					"project_roles":  t.ProjectRoles,
				})
			})
		},
	}
	return cmd
}

func accessCheckCmd() *cobra.Command {
	var projectID, entityType, action, recordID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate one permission without side effects",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" || entityType == "" || action == "" {
				return fmt.Errorf("--project, --entity and --action required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				d, err := e.CheckPermission(ctx, actor, projectID, entityType, action, recordID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"allowed": d.Allowed, "rule": d.Rule})
				}
				fmt.Printf("allowed=%t rule=%s\n", d.Allowed, d.Rule)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&entityType, "entity", "", "entity type")
	cmd.Flags().StringVar(&action, "action", "", "action")
	cmd.Flags().StringVar(&recordID, "record", "", "record id (for ownership checks)")
	return cmd
}

func accessMatrixCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Show the effective permission matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				m := e.Matrix()
				type cell struct {
					EntityType string   `json:"entity_type"`
					Action     string   `json:"action"`
					Roles      []string `json:"roles"`
					Owner      bool     `json:"owner_exception,omitempty"`
				}
				var cells []cell
				for _, entity := range m.EntityTypes() {
					for _, action := range m.Actions(entity) {
						var roles []string
						for _, role := range access.Roles() {
							ok, err := m.Allowed(entity, action, role)
							if err != nil {
								return err
							}
							if ok {
								roles = append(roles, role)
							}
						}
						cells = append(cells, cell{
							EntityType: entity,
							Action:     action,
							Roles:      roles,
							Owner:      access.OwnershipException(entity, action),
						})
					}
				}
				if viper.GetBool("json") {
					return printJSON(cells)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Entity", "Action", "Roles", "Owner"})
				for _, c := range cells {
					owner := ""
					if c.Owner {
						owner = "draft owner"
					}
					tw.AppendRow(table.Row{c.EntityType, c.Action, strings.Join(c.Roles, ", "), owner})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var opts engine.APIKeyCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				k, secret, err := e.CreateAPIKey(ctx, actor, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": k, "key": secret})
				}
				fmt.Printf("API key %s created. Plaintext (shown once):\n%s\n", k.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "key name")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id (defaults to the actor)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.APIKeys(ctx, actor, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to the actor)")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				return e.DeleteAPIKey(ctx, actor, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: signatures, state changes, baseline versions, and lifecycle operations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType, entityKind, entityID string
	var global bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				f := engine.EventFilters{
					ProjectID:  projectID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				}
				if projectID == "" && !global {
					f.OrgID = actor.OrgID
				}
				items, err := e.EventLog(ctx, actor, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project scope")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVar(&global, "global", false, "read across all organisations (system admin only)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	var allowedOrigins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			schema, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), viper.GetString("org"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PACTLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PACTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, AllowedOrigins: allowedOrigins})
			if err != nil {
				return err
			}
			server.StartNotifier(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.L().Info("serving",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Int("schema_version", schema))
			fmt.Printf("Serving Pactline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (dev only)")
	cmd.Flags().StringArrayVar(&allowedOrigins, "allowed-origin", nil, "CORS origin allowed with credentials (repeatable)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, engine.Actor) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	orgID, cfg, err := app.ResolveOrgAndConfig(ctx, viper.GetString("org"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	actor := engine.Actor{UserID: viper.GetString("actor-id"), OrgID: orgID}
	return fn(ctx, e, actor)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func actionCmd(kind, action, short string) *cobra.Command {
	var comment string
	use := strings.ReplaceAll(action, "_", "-") + " <id>"
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				res, err := e.ApplyAction(ctx, actor, engine.ActionOptions{
					EntityType: kind,
					EntityID:   args[0],
					Action:     action,
					Comment:    comment,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded with the event")
	return cmd
}

func lifecycleCommands(kind string) []*cobra.Command {
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft delete (tombstone)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				res, err := e.SoftDelete(ctx, actor, kind, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	restore := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a tombstoned record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				res, err := e.Restore(ctx, actor, kind, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	purge := &cobra.Command{
		Use:   "purge <id>",
		Short: "Permanently delete a tombstoned record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				res, err := e.Purge(ctx, actor, kind, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return []*cobra.Command{del, restore, purge}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
