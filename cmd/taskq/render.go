package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"taskqueue/internal/queue"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiGray   = "\x1b[90m"
)

const timeLayout = "2006-01-02 15:04:05"

var titleCaser = cases.Title(language.Und)

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func statusLabel(status queue.Status, colorize bool) string {
	label := titleCaser.String(string(status))
	if !colorize {
		return label
	}
	if color := statusColor(status); color != "" {
		return color + label + ansiReset
	}
	return label
}

func statusColor(status queue.Status) string {
	switch status {
	case queue.StatusQueued:
		return ansiBlue
	case queue.StatusProcessing:
		return ansiYellow
	case queue.StatusCompleted:
		return ansiGreen
	case queue.StatusFailed:
		return ansiRed
	case queue.StatusCancelled:
		return ansiGray
	default:
		return ""
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func formatTimeWithAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", formatTime(t), humanize.Time(t))
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTimeWithAge(*t)
}

func formatAge(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	now := time.Now()
	then := now.Add(-time.Duration(seconds * float64(time.Second)))
	return strings.TrimSpace(humanize.RelTime(then, now, "", ""))
}

func attemptsLabel(task *queue.Task) string {
	return fmt.Sprintf("%d/%d", task.Attempts, task.MaxAttempts)
}

func compatibilityLabel(compat queue.Compatibility) string {
	if compat.IsZero() {
		return "-"
	}
	parts := make([]string, 0, 2)
	if compat.Region != "" {
		parts = append(parts, "region="+compat.Region)
	}
	if compat.Format != "" {
		parts = append(parts, "format="+compat.Format)
	}
	return strings.Join(parts, " ")
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func truncate(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if limit <= 0 || len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

func strategyNames() string {
	names := make([]string, 0, len(queue.AllStrategies()))
	for _, strategy := range queue.AllStrategies() {
		names = append(names, string(strategy))
	}
	return strings.Join(names, ", ")
}
