package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/eliteoms/oms/internal/offline/engine"
	"github.com/eliteoms/oms/internal/offline/schema"
)

// KeyValues renders rows as an aligned two column list.
func KeyValues(rows [][2]string) string {
	width := 0
	for _, r := range rows {
		width = max(width, lipgloss.Width(r[0]))
	}
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(MutedStyle.Render(r[0] + ":" + strings.Repeat(" ", width-lipgloss.Width(r[0]))))
		b.WriteString(" ")
		b.WriteString(r[1])
	}
	return b.String()
}

// Connectivity renders an online/offline badge.
func Connectivity(online bool) string {
	if online {
		return RenderPass("● online")
	}
	return RenderWarn("○ offline")
}

// Status renders an engine status snapshot.
func Status(st engine.Status) string {
	depth := fmt.Sprintf("%d pending", st.Depth)
	if st.Depth == 0 {
		depth = RenderPass("empty")
	} else {
		depth = RenderWarn(depth)
	}

	rows := [][2]string{
		{"Connectivity", Connectivity(st.Online)},
		{"Queue", depth},
	}
	if st.Draining {
		rows = append(rows, [2]string{"Drain", RenderAccent("running")})
	}
	if st.LastResult != nil {
		last := st.LastResult.String()
		if st.LastResult.Halted() {
			last = RenderFail(last)
		}
		rows = append(rows,
			[2]string{"Last drain", st.LastDrainAt.Local().Format(time.DateTime)},
			[2]string{"Result", last},
		)
	}
	if st.LastError != "" {
		rows = append(rows, [2]string{"Last error", RenderFail(st.LastError)})
	}
	return Panel(KeyValues(rows))
}

// Mutations renders queued records one per line, oldest first.
func Mutations(muts []schema.Mutation) string {
	if len(muts) == 0 {
		return RenderMuted("queue is empty")
	}

	idWidth, actionWidth, targetWidth := 0, 0, 0
	for _, m := range muts {
		idWidth = max(idWidth, len(fmt.Sprint(m.ID)))
		actionWidth = max(actionWidth, len(m.Action))
		targetWidth = max(targetWidth, len(m.Collection)+1+len(m.DocumentID))
	}

	var b strings.Builder
	for i, m := range muts {
		if i > 0 {
			b.WriteByte('\n')
		}
		target := string(m.Collection) + "/" + m.DocumentID
		fmt.Fprintf(&b, "%s  %s  %s  %s",
			RenderMuted(fmt.Sprintf("%*d", idWidth, m.ID)),
			actionStyle(m.Action).Render(fmt.Sprintf("%-*s", actionWidth, m.Action)),
			fmt.Sprintf("%-*s", targetWidth, target),
			RenderMuted(m.EnqueuedAt.Local().Format(time.DateTime)),
		)
	}
	return b.String()
}

func actionStyle(a schema.Action) lipgloss.Style {
	switch a {
	case schema.ActionCreate:
		return PassStyle
	case schema.ActionUpdate:
		return AccentStyle
	case schema.ActionDelete:
		return FailStyle
	default:
		return WarnStyle
	}
}
