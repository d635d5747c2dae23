package main

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"touchline/internal/domain"
	"touchline/internal/engine"
	"touchline/internal/ranking"
)

func relCmd() *cobra.Command {
	rel := &cobra.Command{
		Use:   "rel",
		Short: "Manage relationships",
		Long:  "Relationships carry a tier and the signals that decide their lane: last interaction, open loops, deal stage, sentiment and momentum.",
	}
	rel.AddCommand(relAddCmd())
	rel.AddCommand(relListCmd())
	rel.AddCommand(relShowCmd())
	rel.AddCommand(relUpdateCmd())
	return rel
}

func relAddCmd() *cobra.Command {
	var opts engine.RelationshipCreateOptions
	var tier string
	var momentum float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Track a relationship",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Tier = domain.Tier(tier)
			if cmd.Flags().Changed("momentum") {
				opts.MomentumScore = &momentum
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				opts.UserID = userID
				rel, err := e.CreateRelationship(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rel)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "relationship id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&tier, "tier", string(domain.TierWarm), "tier (inner, active, warm, background)")
	cmd.Flags().StringVar(&opts.LastInteractionAt, "last-interaction", "", "last interaction (RFC3339)")
	cmd.Flags().Float64Var(&momentum, "momentum", 0, "momentum score in [0,1]")
	cmd.Flags().StringVar(&opts.MomentumTrend, "trend", "", "momentum trend (rising, steady, falling)")
	cmd.Flags().BoolVar(&opts.OpenLoop, "open-loop", false, "an unanswered thread is open")
	cmd.Flags().BoolVar(&opts.DealStage, "deal", false, "relationship has an active deal")
	cmd.Flags().BoolVar(&opts.NegativeSentiment, "negative", false, "recent sentiment is negative")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func relListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List relationships",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				rels, err := e.ListRelationships(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rels)
				}
				tw := newTable("ID", "Name", "Tier", "Last interaction", "Open loop", "Deal")
				for _, r := range rels {
					last := ""
					if r.LastInteractionAt != nil {
						last = *r.LastInteractionAt
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.Tier, last, r.OpenLoop, r.DealStage})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func relShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a relationship with its lane and label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				a, err := e.Assess(ctx, userID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("%s (%s, %s)\n", a.Relationship.Name, a.Relationship.ID, a.Relationship.Tier)
				fmt.Printf("Lane: %s\n", a.Lane)
				fmt.Printf("Assessment: %s\n", a.Label.Text)
				fmt.Printf("Stall risk: %.2f  Value: %.2f\n", a.Score.StallRisk, a.Score.Value)
				if a.State != nil {
					fmt.Printf("Pending: %d  Overdue: %d  Awaiting reply: %v  Cadence: %dd\n",
						a.State.PendingCount, a.State.OverdueCount, a.State.AwaitingResponse, a.State.CadenceDays)
				}
				return nil
			})
		},
	}
}

func relUpdateCmd() *cobra.Command {
	var name, tier, last, trend string
	var momentum float64
	var openLoop, deal, negative bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a relationship",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RelationshipUpdateOptions{ID: args[0]}
			flags := cmd.Flags()
			if flags.Changed("name") {
				opts.Name = &name
			}
			if flags.Changed("tier") {
				t := domain.Tier(tier)
				opts.Tier = &t
			}
			if flags.Changed("last-interaction") {
				opts.LastInteractionAt = &last
			}
			if flags.Changed("momentum") {
				opts.MomentumScore = &momentum
			}
			if flags.Changed("trend") {
				opts.MomentumTrend = &trend
			}
			if flags.Changed("open-loop") {
				opts.OpenLoop = &openLoop
			}
			if flags.Changed("deal") {
				opts.DealStage = &deal
			}
			if flags.Changed("negative") {
				opts.NegativeSentiment = &negative
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				opts.UserID = userID
				rel, err := e.UpdateRelationship(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rel)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&tier, "tier", "", "tier (inner, active, warm, background)")
	cmd.Flags().StringVar(&last, "last-interaction", "", "last interaction (RFC3339, empty clears)")
	cmd.Flags().Float64Var(&momentum, "momentum", 0, "momentum score in [0,1]")
	cmd.Flags().StringVar(&trend, "trend", "", "momentum trend (rising, steady, falling)")
	cmd.Flags().BoolVar(&openLoop, "open-loop", false, "an unanswered thread is open")
	cmd.Flags().BoolVar(&deal, "deal", false, "relationship has an active deal")
	cmd.Flags().BoolVar(&negative, "negative", false, "recent sentiment is negative")
	return cmd
}

func actionCmd() *cobra.Command {
	action := &cobra.Command{
		Use:   "action",
		Short: "Manage actions",
		Long:  "Actions are planned touches. new, sent and snoozed actions count against the per-day cap; replied and done free their slot.",
	}
	action.AddCommand(actionAddCmd())
	action.AddCommand(actionListCmd())
	action.AddCommand(actionStateCmd())
	action.AddCommand(actionDoneCmd())
	action.AddCommand(actionRankCmd())
	return action
}

func actionAddCmd() *cobra.Command {
	var relID, typ, title, date, source string
	var minutes, maxPerDay, horizon int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule and store an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			na := engine.NewAction{Type: domain.ActionType(typ), Title: title, Source: source}
			if date != "" {
				d, err := civil.ParseDate(date)
				if err != nil {
					return fmt.Errorf("--date: %w", err)
				}
				na.ProposedDate = d
			}
			if cmd.Flags().Changed("minutes") {
				na.EstimatedMinutes = &minutes
			}
			opts := engine.CreateActionsOptions{RelationshipID: relID, Actions: []engine.NewAction{na}}
			if cmd.Flags().Changed("max-per-day") {
				opts.MaxPerDay = &maxPerDay
			}
			if cmd.Flags().Changed("horizon") {
				opts.HorizonDays = &horizon
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				opts.UserID = userID
				created, err := e.CreateActions(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&relID, "relationship", "", "relationship id")
	cmd.Flags().StringVar(&typ, "type", string(domain.TypeFollowUp), "action type (outreach, follow_up, nurture, post_call, content)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&date, "date", "", "proposed date YYYY-MM-DD (today if omitted)")
	cmd.Flags().StringVar(&source, "source", "manual", "source (manual, nurture, extraction)")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "estimated minutes")
	cmd.Flags().IntVar(&maxPerDay, "max-per-day", 0, "override the per-day cap")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "override the search horizon in days")
	_ = cmd.MarkFlagRequired("relationship")
	return cmd
}

func actionListCmd() *cobra.Command {
	var relID, state string
	var pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				opts := engine.ActionListOptions{UserID: userID, RelationshipID: relID, PendingOnly: pending}
				if state != "" {
					opts.States = []domain.ActionState{domain.ActionState(state)}
				}
				items, err := e.ListActions(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Relationship", "Type", "Title", "State", "Due", "Minutes")
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.RelationshipID, a.Type, a.Title, a.State, a.DueDate.String(), minutesText(a.EstimatedMinutes)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&relID, "relationship", "", "relationship filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().BoolVar(&pending, "pending", false, "only new, sent and snoozed actions")
	return cmd
}

func actionStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <id> <state>",
		Short: "Record an action state change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setActionState(cmd.Context(), args[0], domain.ActionState(args[1]))
		},
	}
}

func actionDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Mark an action done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setActionState(cmd.Context(), args[0], domain.StateDone)
		},
	}
}

func setActionState(ctx context.Context, id string, state domain.ActionState) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, userID string) error {
		a, err := e.UpdateAction(ctx, engine.ActionUpdateOptions{ID: id, UserID: userID, State: &state})
		if err != nil {
			return err
		}
		return printJSONOrTable(a)
	})
}

func actionRankCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rank",
		Short: "Open actions in selection order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				ranked, err := e.RankActions(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ranked)
				}
				printCandidates(ranked)
				return nil
			})
		},
	}
}

func scheduleCmd() *cobra.Command {
	var relID string
	var dates []string
	var maxPerDay, horizon int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Preview where proposed dates would land without storing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ScheduleOptions{RelationshipID: relID}
			for _, raw := range dates {
				d, err := civil.ParseDate(raw)
				if err != nil {
					return fmt.Errorf("--date %q: %w", raw, err)
				}
				opts.ProposedDates = append(opts.ProposedDates, d)
			}
			if cmd.Flags().Changed("max-per-day") {
				opts.MaxPerDay = &maxPerDay
			}
			if cmd.Flags().Changed("horizon") {
				opts.HorizonDays = &horizon
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				opts.UserID = userID
				results, err := e.ScheduleActions(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable("#", "Proposed", "Scheduled", "Fallback")
				for i, r := range results {
					tw.AppendRow(table.Row{i + 1, r.ProposedDate.String(), r.ScheduledDate.String(), r.Fallback})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&relID, "relationship", "", "relationship id")
	cmd.Flags().StringArrayVar(&dates, "date", nil, "proposed date YYYY-MM-DD (repeatable, in batch order)")
	cmd.Flags().IntVar(&maxPerDay, "max-per-day", 0, "override the per-day cap")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "override the search horizon in days")
	_ = cmd.MarkFlagRequired("relationship")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func nextCmd() *cobra.Command {
	var maxDuration int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the single best next action",
		RunE: func(cmd *cobra.Command, args []string) error {
			var budget *int
			if cmd.Flags().Changed("max-duration") {
				budget = &maxDuration
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				rec, err := e.NextAction(ctx, userID, budget)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Println(rec.Reason)
				fmt.Printf("Action %s due %s\n", rec.Action.ID, rec.Action.DueDate)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxDuration, "max-duration", 0, "time budget in minutes (5, 10 or 15)")
	return cmd
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Recompute every decision state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				n, err := e.RefreshAll(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"refreshed": n})
			})
		},
	}
}

func nurtureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nurture",
		Short: "Propose check-ins for relationships past their cadence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				created, err := e.Nurture(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
}

func printCandidates(cs []ranking.Candidate) {
	tw := newTable("#", "Action", "Relationship", "Type", "Lane", "Score", "Due", "Minutes")
	for i, c := range cs {
		tw.AppendRow(table.Row{
			i + 1, c.Action.ID, c.RelationshipName, c.Action.Type, c.Lane,
			strconv.FormatFloat(c.Score.Total, 'f', 2, 64), c.Action.DueDate.String(), minutesText(c.Action.EstimatedMinutes),
		})
	}
	tw.Render()
}

func minutesText(m *int) string {
	if m == nil {
		return ""
	}
	return strconv.Itoa(*m)
}
