package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/xeonx/timeago"

	"github.com/helvethink/release-pipeline/pkg/schemas"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Faint(true).Width(10)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	nameStyle    = lipgloss.NewStyle().Width(16)
	outcomeStyle = lipgloss.NewStyle().Width(10)
	timeStyle    = lipgloss.NewStyle().Width(14).Align(lipgloss.Right).PaddingRight(2)
	planStyle    = lipgloss.NewStyle().PaddingLeft(2)
)

func outcomeStyleOf(o schemas.StageOutcome) lipgloss.Style {
	switch o {
	case schemas.StageOutcomeSuccess:
		return successStyle
	case schemas.StageOutcomeFailure:
		return failureStyle
	default:
		return skippedStyle
	}
}

func verdictStyleOf(v schemas.Verdict) lipgloss.Style {
	if v == schemas.VerdictSuccess {
		return successStyle
	}

	return failureStyle
}

// RenderReport renders a report for a terminal, now being the reference of relative times.
func RenderReport(r schemas.PipelineReport, now time.Time) string {
	verdict := string(r.Verdict)
	if verdict == "" {
		verdict = "pending"
	}

	lines := []string{
		titleStyle.Render(fmt.Sprintf("release %s", r.RunID)) + "  " + verdictStyleOf(r.Verdict).Render(verdict),
		labelStyle.Render("target") + fmt.Sprintf("%s (%s)", r.Request.Environment, r.Profile.Address()),
		labelStyle.Render("build") + fmt.Sprintf("%d", r.Request.BuildID),
		labelStyle.Render("image") + r.Image.BuildRef(),
	}

	if r.Image.Digest != "" {
		lines = append(lines, labelStyle.Render("digest")+r.Image.Digest)
	}

	if r.Finalized() {
		lines = append(lines, labelStyle.Render("finished")+
			fmt.Sprintf("%s, took %s", timeago.English.FormatReference(r.FinishedAt, now), r.Duration().Round(time.Second)))
	}

	lines = append(lines, "")

	for _, s := range r.Stages {
		row := nameStyle.Render(s.Name) +
			outcomeStyleOf(s.Outcome).Inherit(outcomeStyle).Render(string(s.Outcome)) +
			timeStyle.Render((time.Duration(s.DurationMs) * time.Millisecond).String())

		if d := s.DiagnosticMessage(); d != "" {
			if s.FailureKind != schemas.FailureKindNone {
				d = fmt.Sprintf("[%s] %s", s.FailureKind, d)
			}

			row += firstLine(d)
		}

		lines = append(lines, row)
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// RenderReports renders one line per report, most recent first.
func RenderReports(reports []schemas.PipelineReport, now time.Time) string {
	lines := make([]string, 0, len(reports))
	for _, r := range reports {
		lines = append(lines,
			nameStyle.Render(r.RunID[:min(8, len(r.RunID))])+
				outcomeStyle.Render(string(r.Request.Environment))+
				outcomeStyle.Render(fmt.Sprintf("#%d", r.Request.BuildID))+
				verdictStyleOf(r.Verdict).Inherit(outcomeStyle).Render(string(r.Verdict))+
				timeago.English.FormatReference(r.StartedAt, now),
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// RenderPlan renders the commands a dry run would have executed.
func RenderPlan(commands []string) string {
	lines := []string{titleStyle.Render("dry run, the following commands would have been executed:")}
	for _, c := range commands {
		lines = append(lines, planStyle.Render(c))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// RenderEnvironments renders the resolved deployment targets, healthPath completing their health URL.
func RenderEnvironments(profiles []schemas.EnvironmentProfile, healthPath string) string {
	lines := []string{titleStyle.Render("environments")}
	for _, p := range profiles {
		lines = append(lines,
			planStyle.Render(nameStyle.Render(string(p.Environment))+
				fmt.Sprintf("%s, compose file %s, project %s", p.HealthURL(healthPath), p.ComposeFile, p.ProjectName)),
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}

	return s
}
