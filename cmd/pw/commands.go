package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"propwatch/internal/app"
	"propwatch/internal/config"
	"propwatch/internal/db"
	"propwatch/internal/engine"
	"propwatch/internal/migrate"
	"propwatch/internal/repo"
	"propwatch/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		workers        int
		noWorkers      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API together with the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				authCfg := server.AuthConfig{
					JWTSecret:        cfg.Server.JWTSecret,
					AllowActorHeader: cfg.Server.AllowActorHeader,
					DefaultActorID:   cfg.Server.DefaultActorID,
					Logger:           rt.Logger.With("component", "auth"),
				}
				if secret := viper.GetString("jwt-secret"); secret != "" {
					authCfg.JWTSecret = secret
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader && authCfg.DefaultActorID == "" {
					return fmt.Errorf("no way to authenticate: set server.jwt_secret, PROPWATCH_JWT_SECRET or server.allow_actor_header")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				if !noWorkers {
					pool := rt.Engine.Pool(workers, hostID())
					g.Go(func() error { return pool.Run(gctx) })
				}
				if relay := server.NewRelay(rt.Engine.Repo, cfg.Webhooks, rt.Logger); relay != nil {
					g.Go(func() error { return relay.Run(gctx) })
				}
				rt.Logger.Info("serving propwatch api", "addr", addr, "base_path", basePath, "workers", !noWorkers)
				fmt.Printf("Serving Propwatch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (default from config)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API only")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func workCmd() *cobra.Command {
	var (
		workers int
		once    bool
	)
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the worker pool",
		Long:  "Processes queued documents until interrupted. With --once, drains the queue and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pool := e.Pool(workers, hostID())
				if !once {
					return pool.Run(ctx)
				}
				results, err := pool.Drain(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable(table.Row{"Document", "Attempt", "Outcome", "Alerts", "Error"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.DocumentID, r.Attempt, r.Outcome, r.Alerts, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (default from config)")
	cmd.Flags().BoolVar(&once, "once", false, "drain the queue and exit")
	return cmd
}

func submitCmd() *cobra.Command {
	var docType, property, ref string
	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Upload a document and queue it for processing",
		Long:  "Stores the file in the object store and queues it. With --ref, queues an object that is already stored.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if docType == "" {
				return fmt.Errorf("--type required (rent_roll or financial_statement)")
			}
			if ref == "" && len(args) == 0 {
				return fmt.Errorf("a file or --ref is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req := engine.SubmitRequest{
					PropertyHint: property,
					DeclaredType: docType,
					StorageRef:   ref,
					Actor:        viper.GetString("actor-id"),
				}
				var err error
				var doc any
				if ref != "" {
					doc, err = e.SubmitDocument(ctx, req)
				} else {
					data, rerr := os.ReadFile(args[0])
					if rerr != nil {
						return rerr
					}
					doc, err = e.UploadDocument(ctx, filepath.Base(args[0]), data, req)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "declared document type")
	cmd.Flags().StringVar(&property, "property", "", "declared property name")
	cmd.Flags().StringVar(&ref, "ref", "", "storage reference of an already stored document")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show document processing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.PollStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Document:  %s\nStatus:    %s\nRetries:   %d\nProperty:  %s\nUpdated:   %s\n",
					view.DocumentID, view.Status, view.RetryCount, deref(view.PropertyID), view.UpdatedAt)
				if view.Error != "" {
					fmt.Printf("Error:     %s\n", view.Error)
				}
				if len(view.Metrics) > 0 {
					tw := newTable(table.Row{"Metric", "Value", "Unit", "Confidence"})
					for _, m := range view.Metrics {
						tw.AppendRow(table.Row{m.Name, m.Value, m.Unit, m.Confidence})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func previewCmd() *cobra.Command {
	var docType, ref string
	cmd := &cobra.Command{
		Use:   "preview [file]",
		Short: "Parse and validate a local file or stored object without recording anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.PreviewRequest{DeclaredType: docType, StorageRef: ref}
			if len(args) == 1 {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				req.Content = data
			} else if ref == "" {
				return errors.New("pass a file or --ref")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Preview(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "declared document type")
	cmd.Flags().StringVar(&ref, "ref", "", "storage ref of an already stored document")
	return cmd
}

func documentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "document",
		Short: "Documents",
	}
	var status, property string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.ListDocuments(ctx, repo.DocumentFilters{Status: status, PropertyID: property, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := newTable(table.Row{"ID", "Name", "Type", "Status", "Retries", "Property", "Updated"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.OriginalName, d.DeclaredType, d.Status, d.RetryCount, deref(d.PropertyID), d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().StringVar(&property, "property", "", "property id filter")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")

	var state string
	var jobLimit int
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "List queued and leased processing jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListJobs(ctx, repo.JobFilters{State: state, Limit: jobLimit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Seq", "Document", "Attempt", "State", "Available", "Owner", "Deadline", "Last error"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.Seq, j.DocumentID, j.Attempt, j.State, j.AvailableAt, j.LeaseOwner, j.TimeoutAt, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	jobs.Flags().StringVar(&state, "state", "", "queued or leased")
	jobs.Flags().IntVar(&jobLimit, "limit", 50, "max rows")
	cmd.AddCommand(list, jobs)
	return cmd
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Threshold alerts",
		Long:  "Alerts are raised when a metric breaches its threshold; each pending alert locks its property until a committee decides.",
	}
	cmd.AddCommand(alertsListCmd())
	cmd.AddCommand(alertsDecideCmd())
	return cmd
}

func alertsListCmd() *cobra.Command {
	var f repo.AlertFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, most severe and oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAlerts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Property", "Metric", "Value", "Threshold", "Severity", "Committee", "Status"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.PropertyID, a.MetricName, a.Value, a.Threshold, a.Severity, a.Committee, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "pending, approved or rejected")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "warning or critical")
	cmd.Flags().StringVar(&f.Committee, "committee", "", "committee filter")
	cmd.Flags().StringVar(&f.PropertyID, "property", "", "property id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func alertsDecideCmd() *cobra.Command {
	var decision, notes string
	cmd := &cobra.Command{
		Use:   "decide <alert-id>",
		Short: "Approve or reject a pending alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decision == "" {
				return fmt.Errorf("--decision required (approve or reject)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Decide(ctx, args[0], decision, viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	return cmd
}

func propertyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "property",
		Short: "Properties",
	}
	cmd.AddCommand(propertyListCmd())
	cmd.AddCommand(propertyShowCmd())
	cmd.AddCommand(propertyBlockedCmd())
	cmd.AddCommand(propertySetStatusCmd())
	return cmd
}

func propertyListCmd() *cobra.Command {
	var status string
	var blocked bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.PropertyFilters{Status: status, Limit: limit}
			if cmd.Flags().Changed("blocked") {
				f.Blocked = &blocked
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProperties(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Code", "Name", "Status", "Blocked"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Code, p.Name, p.Status, p.Blocked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&blocked, "blocked", false, "only blocked (or, with =false, unblocked) properties")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func propertyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <property-id>",
		Short: "Show a property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProperty(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func propertyBlockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocked <property-id>",
		Short: "Show whether pending alerts block the property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.PropertyState(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(state)
				}
				fmt.Printf("Property %s blocked: %t\n", state.PropertyID, state.Blocked)
				if len(state.Locks) > 0 {
					tw := newTable(table.Row{"Lock", "Alert", "Locked at"})
					for _, l := range state.Locks {
						tw.AppendRow(table.Row{l.ID, l.AlertID, l.LockedAt})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func propertySetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <property-id> <active|on_hold|archived>",
		Short: "Change property status; refused while the property is blocked",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetPropertyStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func metricsCmd() *cobra.Command {
	var f repo.MetricFilters
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "List extracted metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMetrics(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Document", "Property", "Metric", "Value", "Unit", "Confidence", "Period"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.DocumentID, m.PropertyID, m.MetricName, m.MetricValue, m.Unit, m.Confidence, m.Period})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.DocumentID, "document", "", "document id filter")
	cmd.Flags().StringVar(&f.PropertyID, "property", "", "property id filter")
	cmd.Flags().StringVar(&f.MetricName, "metric", "", "metric name filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "Append-only record of submissions, queue transitions, alerts, locks and decisions.",
	}
	var f repo.AuditFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Action", "Actor", "Rule", "Subject"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.TS, a.Action, a.Actor, a.BusinessRuleID, a.SubjectKind + ":" + a.SubjectID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of entries")
	tail.Flags().StringVar(&f.Action, "action", "", "action filter")
	tail.Flags().StringVar(&f.SubjectKind, "subject-kind", "", "subject kind filter")
	tail.Flags().StringVar(&f.SubjectID, "subject-id", "", "subject id filter")
	log.AddCommand(tail)
	return log
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Pipeline counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable(table.Row{"Kind", "Status", "Count"})
				for _, part := range []struct {
					kind   string
					counts map[string]int
				}{{"documents", s.Documents}, {"jobs", s.Jobs}, {"alerts", s.Alerts}} {
					for status, n := range part.counts {
						tw.AppendRow(table.Row{part.kind, status, n})
					}
				}
				tw.SortBy([]table.SortBy{{Number: 1}, {Number: 2}})
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default propwatch.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(runtimeOptions())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			redact(&cfg.Server.JWTSecret)
			redact(&cfg.Storage.Minio.AccessKey)
			redact(&cfg.Storage.Minio.SecretKey)
			for i := range cfg.Webhooks {
				redact(&cfg.Webhooks[i].Secret)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.AddCommand(initCmd, show)
	return cmd
}

func tokenCmd() *cobra.Command {
	var committees []string
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Issue a bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				cfg, err := app.LoadConfig(runtimeOptions())
				if err != nil {
					return err
				}
				secret = cfg.Server.JWTSecret
			}
			tok, err := server.IssueToken(secret, args[0], committees)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&committees, "committee", nil, "committee membership claim")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			res, err := migrate.Apply(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if len(res.Applied) == 0 {
				fmt.Printf("schema at version %d, nothing to apply\n", res.To)
				return nil
			}
			fmt.Printf("migrated %d -> %d (%d applied)\n", res.From, res.To, len(res.Applied))
			return nil
		},
	}
}

func hostID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func redact(s *string) {
	if *s != "" {
		*s = "********"
	}
}
