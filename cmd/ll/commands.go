package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadline/internal/campaign"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/proposal"
	"leadline/internal/view"
)

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func searchCmd() *cobra.Command {
	var city string
	var count int
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find conjuntos in a city and store the unseen ones",
		Long:  "Asks the model for conjuntos residenciales in --city. Results already in the registry are dropped; the rest become pendiente leads.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Search(ctx, city, count)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.AllKnown {
					fmt.Fprintln(stdout, "Todos los resultados ya se encontraban registrados.")
					return nil
				}
				fmt.Fprintf(stdout, "%d found, %d new, %d already known\n", res.Raw, len(res.Leads), len(res.Duplicates))
				printLeads(res.Leads)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&city, "city", "", "city to search (default from config)")
	cmd.Flags().IntVar(&count, "count", 10, "number of results to ask for")
	return cmd
}

func leadsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "leads", Short: "Manage leads"}
	cmd.AddCommand(leadsListCmd())
	cmd.AddCommand(leadsShowCmd())
	cmd.AddCommand(leadsEditCmd())
	cmd.AddCommand(leadsStatusCmd())
	cmd.AddCommand(leadsDeleteCmd())
	return cmd
}

func leadsListCmd() *cobra.Command {
	var q view.Query
	var dir string
	var clamp bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Dir = view.Direction(dir)
			if clamp {
				q.Policy = view.PageClamp
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.Leads(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				printLeads(page.Items)
				fmt.Fprintf(stdout, "Página %d de %d (%d leads)\n", page.Page, page.TotalPages, page.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Status, "status", view.StatusAll, "status filter: all, pendiente, procesado, enviado")
	cmd.Flags().StringVar(&q.SortBy, "sort", "", "sort field ("+strings.Join(view.SortFields, ", ")+")")
	cmd.Flags().StringVar(&dir, "dir", string(view.Asc), "sort direction: asc or desc")
	cmd.Flags().IntVar(&q.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&q.PageSize, "page-size", view.DefaultPageSize, "rows per page")
	cmd.Flags().BoolVar(&clamp, "clamp", false, "move out-of-range pages to the nearest valid page")
	return cmd
}

func printLeads(leads []domain.Lead) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Conjunto", "Administrador", "Email", "Teléfono", "Ciudad", "Estado"})
	for _, l := range leads {
		tw.AppendRow(table.Row{l.ID, l.NombreConjunto, l.NombreAdministrador, l.Email, l.Telefono, l.Ciudad, l.Status})
	}
	tw.Render()
}

func leadsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Lead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func leadsEditCmd() *cobra.Command {
	var force bool
	fields := map[string]*string{}
	names := []string{"nombre-conjunto", "nombre-administrador", "email", "direccion", "telefono", "sitio-web", "ciudad", "fuente", "status"}
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit lead fields",
		Long:  "Only the flags you pass are changed. Contact fields are validated before saving.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := func(name string) *string {
				if !cmd.Flags().Changed(name) {
					return nil
				}
				return fields[name]
			}
			patch := engine.LeadPatch{
				NombreConjunto:      changed("nombre-conjunto"),
				NombreAdministrador: changed("nombre-administrador"),
				Email:               changed("email"),
				Direccion:           changed("direccion"),
				Telefono:            changed("telefono"),
				SitioWeb:            changed("sitio-web"),
				Ciudad:              changed("ciudad"),
				Fuente:              changed("fuente"),
			}
			if s := changed("status"); s != nil {
				st := domain.Status(*s)
				patch.Status = &st
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.EditLead(ctx, args[0], patch, force)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	for _, n := range names {
		v := new(string)
		fields[n] = v
		cmd.Flags().StringVar(v, n, "", n)
	}
	cmd.Flags().BoolVar(&force, "force", false, "allow any status transition")
	return cmd
}

func leadsStatusCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "status <id> <pendiente|procesado|enviado>",
		Short: "Move a lead to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.SetStatus(ctx, args[0], status, force)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "allow any status transition")
	return cmd
}

func leadsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a lead (its conjunto stays in the registry)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteLead(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Short: "Render proposals for leads"}
	cmd.AddCommand(proposalRenderCmd())
	cmd.AddCommand(proposalReviewCmd())
	return cmd
}

func proposalRenderCmd() *cobra.Command {
	var docxDir string
	var mailto bool
	cmd := &cobra.Command{
		Use:   "render <id>",
		Short: "Print the proposal for a lead without changing its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RenderProposal(ctx, args[0])
				if err != nil {
					return err
				}
				if docxDir != "" {
					name, data, err := e.ExportProposalDocx(ctx, args[0])
					if err != nil {
						return err
					}
					path := filepath.Join(docxDir, name)
					if err := os.WriteFile(path, data, 0o644); err != nil {
						return err
					}
					fmt.Fprintf(stdout, "Wrote %s\n", path)
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				if mailto {
					fmt.Fprintln(stdout, p.Mailto)
					return nil
				}
				fmt.Fprintln(stdout, p.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docxDir, "docx", "", "write a .docx into this directory")
	cmd.Flags().BoolVar(&mailto, "mailto", false, "print the mailto: link instead of the text")
	return cmd
}

func proposalReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <id>",
		Short: "Render the proposal and mark a pendiente lead procesado",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ReviewProposal(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Fprintln(stdout, p.Text)
				fmt.Fprintf(stdout, "\n%s -> %s\n", p.Lead.NombreConjunto, p.Lead.Status)
				return nil
			})
		},
	}
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage the proposal template"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				body, err := e.Template(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, body)
				return nil
			})
		},
	})
	var file string
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the template with the contents of --file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetTemplate(ctx, string(data)); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "Template saved")
				return nil
			})
		},
	}
	set.Flags().StringVar(&file, "file", "", "template file")
	_ = set.MarkFlagRequired("file")
	cmd.AddCommand(set)
	cmd.AddCommand(&cobra.Command{
		Use:   "improve",
		Short: "Rewrite the template with the model and save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				body, err := e.ImproveTemplate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, body)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "tags",
		Short: "List the placeholder tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			tags := proposal.Tags()
			if viper.GetBool("json") {
				return printJSON(tags)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Etiqueta", "Valor"})
			for _, t := range tags {
				tw.AppendRow(table.Row{t.Label, t.Value})
			}
			tw.Render()
			return nil
		},
	})
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "export", Short: "Export leads"}
	var city, mode, out string
	var chunk int
	csvCmd := &cobra.Command{
		Use:   "csv",
		Short: "Write the mail-merge CSV (split into parts with --chunk-size)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CSVExportOptions{City: city}
			if cmd.Flags().Changed("chunk-size") {
				opts.ChunkSize = &chunk
			}
			switch mode {
			case "":
			case "strict", "lenient":
				strict := mode == "strict"
				opts.Strict = &strict
			default:
				return fmt.Errorf("invalid --mode %q (strict or lenient)", mode)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ExportCSV(ctx, opts)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(out, 0o755); err != nil {
					return err
				}
				for _, f := range res.Files {
					path := filepath.Join(out, f.Name)
					if err := os.WriteFile(path, f.Data, 0o644); err != nil {
						return err
					}
					fmt.Fprintf(stdout, "Wrote %s (%d rows)\n", path, f.Rows)
				}
				for _, w := range res.Warnings {
					fmt.Fprintf(stdout, "warning: %s missing %s\n", w.NombreConjunto, strings.Join(w.Missing, ", "))
				}
				return nil
			})
		},
	}
	csvCmd.Flags().StringVar(&city, "city", "", "city used in the file name (default from config)")
	csvCmd.Flags().StringVar(&mode, "mode", "", "strict or lenient (default from config)")
	csvCmd.Flags().IntVar(&chunk, "chunk-size", 0, "rows per file; 0 writes a single file")
	csvCmd.Flags().StringVar(&out, "out", ".", "output directory")
	cmd.AddCommand(csvCmd)
	return cmd
}

func campaignCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "campaign", Short: "Run and inspect campaigns"}
	var subject, bodyFile string
	run := &cobra.Command{
		Use:   "run",
		Short: "Send the proposal to every procesado lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CampaignOptions{Subject: subject}
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				opts.Body = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				quiet := viper.GetBool("json")
				clog, err := e.RunCampaign(ctx, opts, func(p campaign.Progress) {
					if quiet || p.Phase != campaign.PhaseDone {
						return
					}
					fmt.Fprintf(stdout, "[%3d%%] %d/%d %s <%s> %s\n", p.Percent, p.Index+1, p.Total, p.LeadName, p.Email, p.Status)
				})
				if err != nil {
					return err
				}
				if quiet {
					return printJSON(clog)
				}
				fmt.Fprintf(stdout, "Campaign %s: %d/%d delivered\n", clog.ID, clog.Succeeded(), len(clog.Recipients))
				return nil
			})
		},
	}
	run.Flags().StringVar(&subject, "subject", "", "email subject (default from config)")
	run.Flags().StringVar(&bodyFile, "body-file", "", "message body (default is the proposal template)")
	cmd.AddCommand(run)

	cmd.AddCommand(&cobra.Command{
		Use:   "logs [id]",
		Short: "List campaign logs or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(args) == 1 {
					clog, err := e.CampaignLog(ctx, args[0])
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(clog)
					}
					tw := newTable()
					tw.SetTitle(clog.Subject)
					tw.AppendHeader(table.Row{"Conjunto", "Email", "Estado"})
					for _, r := range clog.Recipients {
						tw.AppendRow(table.Row{r.LeadName, r.Email, r.Status})
					}
					tw.Render()
					return nil
				}
				logs, err := e.CampaignLogs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Fecha", "Asunto", "Enviados"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.ID, l.Date.Local().Format("2006-01-02 15:04"), l.Subject,
						fmt.Sprintf("%d/%d", l.Succeeded(), len(l.Recipients))})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "registry", Short: "Inspect known conjuntos"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List identity keys of every conjunto ever found",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.KnownIdentities(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				for _, k := range keys {
					fmt.Fprintln(stdout, k)
				}
				return nil
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}
