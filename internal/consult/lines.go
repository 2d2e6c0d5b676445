package consult

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/rightify/internal/domain"
	"github.com/ashureev/rightify/internal/stream"
)

// User-visible texts appended to the transcript.
const (
	ApologyMessage        = "抱歉，服务暂时不可用。请稍后再试。"
	LegacyDisconnected    = "连接中断，请重试"
	LegacyEngineFailure   = "法律引擎异常"
	defaultStartLine      = "开始分析您的法律问题..."
	defaultPlanningLine   = "正在制定执行计划"
	defaultExecutionLine  = "正在执行分析步骤"
	errorLinePrefix       = "❌ 错误："
	reportSummaryTemplate = "✅ 已生成%s，共%d个部分"
)

// statusLine renders start/planning/execution events for the transcript.
func statusLine(ev stream.Event) string {
	switch ev.Kind {
	case domain.ActionStart:
		return "🔍 " + orDefault(ev.Content, defaultStartLine)
	case domain.ActionPlanning:
		return "📋 " + orDefault(ev.Content, defaultPlanningLine)
	case domain.ActionExecution:
		line := "⚙️ " + orDefault(ev.Content, defaultExecutionLine)
		if n, total, ok := stepProgress(ev.Data); ok {
			line += fmt.Sprintf(" (%d/%d)", n, total)
		}
		return line
	}
	return ev.Content
}

func errorLine(content string) string {
	return errorLinePrefix + content
}

func reportSummary(r *domain.FinalReport) string {
	return fmt.Sprintf(reportSummaryTemplate, r.Title, len(r.Sections))
}

// reportTitle takes an explicit title from the event payload when present.
func reportTitle(data json.RawMessage) string {
	if len(data) == 0 {
		return domain.DefaultReportTitle
	}
	var p struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Title == "" {
		return domain.DefaultReportTitle
	}
	return p.Title
}

func stepProgress(data json.RawMessage) (int, int, bool) {
	if len(data) == 0 {
		return 0, 0, false
	}
	var p struct {
		StepNumber int `json:"step_number"`
		TotalSteps int `json:"total_steps"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.StepNumber <= 0 || p.TotalSteps <= 0 {
		return 0, 0, false
	}
	return p.StepNumber, p.TotalSteps, true
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
