// Package ui renders activity for humans on a terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/stream"
)

// ANSI256 color codes matching the Ayu palette.
const (
	colorCreate = 114 // green
	colorUpdate = 179 // yellow
	colorDelete = 203 // red
	colorAccent = 74  // blue
	colorMuted  = 245 // medium gray
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderAction colors an action by kind.
func RenderAction(a activity.Action) string {
	s := fmt.Sprintf("%-6s", a)
	switch a {
	case activity.ActionCreate:
		return paint(colorCreate, s)
	case activity.ActionUpdate:
		return paint(colorUpdate, s)
	case activity.ActionDelete:
		return paint(colorDelete, s)
	}
	return s
}

// FormatMessage renders one stream message as a single line:
//
//	15:04:05 <id> update page/page_9 [title]
func FormatMessage(m *stream.Message) string {
	var b strings.Builder
	b.WriteString(RenderMuted(m.CreatedAt.Local().Format(time.TimeOnly)))
	b.WriteByte(' ')
	b.WriteString(RenderMuted(m.ID))
	b.WriteByte(' ')
	b.WriteString(RenderAction(m.Action))
	b.WriteByte(' ')
	b.WriteString(RenderAccent(string(m.EntityType) + "/" + m.EntityID))
	if len(m.ChangedKeys) > 0 {
		b.WriteString(" [" + strings.Join(m.ChangedKeys, ", ") + "]")
	}
	return b.String()
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
