package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/manugarri/crab/internal/monitor"
	"github.com/manugarri/crab/internal/store"
)

// Format renders the alert subject and body for one status change. recent
// holds the job's latest events (ascending), loc is the display timezone,
// and stdout/stderr are the trigger event's captured output (empty unless
// the rule asked for it).
//
// The engine is otherwise format-agnostic: transports receive only the
// rendered subject and body.
func Format(sc monitor.StatusChange, recent []store.Event, loc *time.Location, stdout, stderr string) (subject, body string) {
	if loc == nil {
		loc = time.UTC
	}
	name := sc.Job.Crabid
	if name == "" {
		name = sc.Job.Command
	}

	subject = fmt.Sprintf("crab: %s %s: %s", sc.Job.Host, name, sc.New)

	var b strings.Builder
	fmt.Fprintf(&b, "Job:      %s on %s\n", name, sc.Job.Host)
	fmt.Fprintf(&b, "Command:  %s\n", sc.Job.Command)
	if sc.Old != sc.New {
		fmt.Fprintf(&b, "Status:   %s (was %s)\n", sc.New, sc.Old)
	} else {
		fmt.Fprintf(&b, "Status:   %s\n", sc.New)
	}
	if sc.Event.ID != 0 {
		fmt.Fprintf(&b, "Trigger:  %s at %s", sc.Event.Kind,
			sc.Event.Timestamp.In(loc).Format(time.RFC1123Z))
		if sc.Event.StatusCode != nil {
			fmt.Fprintf(&b, " (exit %d)", *sc.Event.StatusCode)
		}
		b.WriteString("\n")
	}

	if len(recent) > 0 {
		b.WriteString("\nRecent events:\n")
		for i := len(recent) - 1; i >= 0; i-- {
			e := recent[i]
			fmt.Fprintf(&b, "  %s  %s", e.Timestamp.In(loc).Format("2006-01-02 15:04:05 MST"), e.Kind)
			if e.StatusCode != nil {
				fmt.Fprintf(&b, " (exit %d)", *e.StatusCode)
			}
			b.WriteString("\n")
		}
	}

	if stdout != "" {
		b.WriteString("\nStandard output:\n")
		b.WriteString(indent(stdout))
	}
	if stderr != "" {
		b.WriteString("\nStandard error:\n")
		b.WriteString(indent(stderr))
	}
	return subject, b.String()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n") + "\n"
}
