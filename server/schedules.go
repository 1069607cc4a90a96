package server

import (
	"net/http"

	"github.com/teranos/agentpulse/internal/util"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/schedule"
)

// HandleSchedules handles GET /api/schedules
func (s *Server) HandleSchedules(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	info, err := s.introspect()
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to load pull schedule")
		return
	}

	resp := DescribeRules(info)
	logger.AddPulseSymbol(s.logger).Debugw("Schedules retrieved", logger.FieldCount, len(resp.Rules))
	writeSuccess(w, "Schedules retrieved", resp)
}

// introspect asks the registry, or loads the configured set when no scheduler runs here
func (s *Server) introspect() (schedule.Introspection, error) {
	if s.registry != nil {
		return s.registry.Introspect(), nil
	}

	set, err := schedule.LoadOrDefault(s.scheduleCfg)
	if err != nil {
		return schedule.Introspection{}, err
	}
	return Offline(set), nil
}

// Offline describes set without any registered jobs
func Offline(set *schedule.Set) schedule.Introspection {
	out := schedule.Introspection{Enabled: set.Enabled, Rules: make([]schedule.RuleInfo, 0, len(set.Rules))}
	for _, rule := range set.Rules {
		out.Rules = append(out.Rules, schedule.RuleInfo{
			Rule:    rule,
			Enabled: set.Enabled && rule.IsEnabled(),
			Jobs:    []schedule.RegisteredJob{},
		})
	}
	return out
}

// DescribeRules renders an introspection as the API response
func DescribeRules(info schedule.Introspection) SchedulesResponse {
	resp := SchedulesResponse{Rules: make([]ScheduleRuleInfo, 0, len(info.Rules))}
	for _, rule := range info.Rules {
		resp.Rules = append(resp.Rules, ruleInfo(rule))
	}
	return resp
}

func ruleInfo(info schedule.RuleInfo) ScheduleRuleInfo {
	out := ScheduleRuleInfo{
		ID:            info.Rule.RuleID(),
		Kind:          string(info.Rule.RuleKind()),
		Enabled:       info.Enabled,
		ScheduleModes: info.Rule.ScheduleModes(),
		Jobs:          make([]ScheduleJobInfo, 0, len(info.Jobs)),
	}

	switch rl := info.Rule.(type) {
	case *schedule.IntervalRule:
		out.Seconds = util.Ptr(rl.Seconds)
		out.StartImmediately = util.Ptr(rl.StartImmediately)
	case *schedule.WindowRule:
		out.Cron = cronFields(rl.Cron)
		out.Timezone = util.Ptr(rl.Timezone)
		out.WindowMinutes = util.Ptr(rl.WindowMinutes)
		out.PollIntervalSeconds = util.Ptr(rl.PollIntervalSeconds)
		out.BootstrapLookbackHours = util.Ptr(rl.BootstrapLookbackHours)
		out.BootstrapMaxIterations = util.Ptr(rl.BootstrapMaxIterations)
	}

	for _, job := range info.Jobs {
		j := ScheduleJobInfo{JobID: job.JobID, Trigger: job.Trigger.String()}
		if !job.NextFireTime.IsZero() {
			next := job.NextFireTime.UTC()
			j.NextRunTime = &next
		}
		out.Jobs = append(out.Jobs, j)
	}
	return out
}

// cronFields renders the cron as configured, omitting unspecified fields
func cronFields(c schedule.CronSpec) map[string]string {
	out := map[string]string{}
	for k, v := range map[string]string{
		"expr":        c.Expr,
		"minute":      c.Minute,
		"hour":        c.Hour,
		"day":         c.Day,
		"month":       c.Month,
		"day_of_week": c.DayOfWeek,
		"timezone":    c.Timezone,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
