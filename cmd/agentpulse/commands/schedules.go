package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/internal/httpclient"
	"github.com/teranos/agentpulse/pulse/schedule"
	"github.com/teranos/agentpulse/server"
	"github.com/teranos/agentpulse/sym"
)

// SchedulesCmd shows the pull rules of a running server
var SchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: sym.Pulse + " Show pull rules and their live jobs",
	Long: sym.Pulse + ` schedules — Show pull rules and their live jobs

Asks a running "agentpulse serve" for GET /api/schedules. With --offline the
configured rules are shown without contacting a server, so no jobs are listed.

Examples:
  agentpulse schedules
  agentpulse schedules --url http://10.0.0.5:8790
  agentpulse schedules --offline
  agentpulse schedules validate rules.toml`,
	Args: cobra.NoArgs,
	RunE: runSchedules,
}

var schedulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a rule file and preview its next fires",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulesValidate,
}

var (
	schedulesURL     string
	schedulesOffline bool
	previewFires     int
)

func init() {
	SchedulesCmd.Flags().StringVar(&schedulesURL, "url", "", "Server URL (default from server.bind and server.port)")
	SchedulesCmd.Flags().BoolVar(&schedulesOffline, "offline", false, "Show configured rules without asking a server")
	schedulesValidateCmd.Flags().IntVarP(&previewFires, "next", "n", 3, "Number of upcoming fires to preview per rule")

	SchedulesCmd.AddCommand(schedulesValidateCmd)
}

// schedulesEnvelope is the decoded GET /api/schedules body
type schedulesEnvelope struct {
	Code    int                      `json:"code"`
	Message string                   `json:"message"`
	Data    server.SchedulesResponse `json:"data"`
}

func runSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	var resp server.SchedulesResponse
	if schedulesOffline {
		set, err := schedule.LoadOrDefault(cfg.Schedule)
		if err != nil {
			return err
		}
		resp = server.DescribeRules(server.Offline(set))
	} else {
		resp, err = fetchSchedules(cmd.Context(), schedulesBaseURL(cfg))
		if err != nil {
			return err
		}
	}

	if len(resp.Rules) == 0 {
		pterm.Info.Println("No pull rules configured")
		return nil
	}
	return renderRules(resp.Rules)
}

func schedulesBaseURL(cfg *am.Config) string {
	if schedulesURL != "" {
		return strings.TrimRight(schedulesURL, "/")
	}
	return serverURL(cfg)
}

func fetchSchedules(ctx context.Context, baseURL string) (server.SchedulesResponse, error) {
	client := httpclient.New(httpclient.Options{Timeout: 5 * time.Second, AllowPrivateNetwork: true})

	var env schedulesEnvelope
	if err := client.DoJSON(ctx, http.MethodGet, baseURL+"/api/schedules", "", nil, &env); err != nil {
		return server.SchedulesResponse{}, errors.WithHint(errors.Wrap(err, "failed to fetch schedules"),
			"is \"agentpulse serve\" running? use --offline to show the configured rules")
	}
	if env.Code != 0 {
		return server.SchedulesResponse{}, errors.NewInvalidRequestError("server returned code %d: %s", env.Code, env.Message)
	}
	return env.Data, nil
}

func renderRules(rules []server.ScheduleRuleInfo) error {
	data := pterm.TableData{{"RULE", "KIND", "ENABLED", "MODES", "SCHEDULE", "JOB", "NEXT RUN"}}
	for _, r := range rules {
		enabled := "no"
		if r.Enabled {
			enabled = "yes"
		}
		row := []string{r.ID, r.Kind, enabled, strings.Join(r.ScheduleModes, ","), describeSchedule(r)}

		if len(r.Jobs) == 0 {
			data = append(data, append(row, "-", "-"))
			continue
		}
		for i, job := range r.Jobs {
			if i > 0 {
				row = []string{"", "", "", "", ""}
			}
			next := "-"
			if job.NextRunTime != nil {
				next = job.NextRunTime.Local().Format(time.RFC3339)
			}
			data = append(data, append(row, job.JobID, next))
		}
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func describeSchedule(r server.ScheduleRuleInfo) string {
	switch r.Kind {
	case string(schedule.KindInterval):
		if r.Seconds != nil {
			return fmt.Sprintf("every %ds", *r.Seconds)
		}
	case string(schedule.KindWindow):
		parts := make([]string, 0, len(r.Cron))
		for _, k := range []string{"expr", "month", "day", "day_of_week", "hour", "minute"} {
			if v, ok := r.Cron[k]; ok {
				parts = append(parts, k+"="+v)
			}
		}
		desc := "cron " + strings.Join(parts, " ")
		if r.Timezone != nil {
			desc += " " + *r.Timezone
		}
		if r.WindowMinutes != nil {
			desc += fmt.Sprintf(", %dm window", *r.WindowMinutes)
		}
		return desc
	}
	return "-"
}

func runSchedulesValidate(cmd *cobra.Command, args []string) error {
	set, err := schedule.LoadFile(args[0])
	if err != nil {
		pterm.Error.Printf("%s is invalid\n", args[0])
		return err
	}

	pterm.Success.Printf("%s: %d rules, pull %s\n", args[0], len(set.Rules), enabledWord(set.Enabled))

	now := time.Now()
	data := pterm.TableData{{"RULE", "KIND", "ENABLED", "NEXT FIRES"}}
	for _, rule := range set.Rules {
		fires, err := schedule.NextFireTimes(rule, now, previewFires)
		if err != nil {
			return errors.Wrapf(err, "rule %s", rule.RuleID())
		}
		formatted := make([]string, len(fires))
		for i, f := range fires {
			formatted[i] = f.Local().Format("2006-01-02 15:04:05")
		}
		data = append(data, []string{
			rule.RuleID(),
			string(rule.RuleKind()),
			enabledWord(set.Enabled && rule.IsEnabled()),
			strings.Join(formatted, ", "),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
