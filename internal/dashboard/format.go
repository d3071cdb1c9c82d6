package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/shifting"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/trainer"
)

// formatOverview renders the bridge status panel.
func formatOverview(s trainer.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n  [yellow]%s[white] v%s\n\n", tview.Escape(s.DeviceName), s.Version)
	fmt.Fprintf(&b, "  [gray]Mode:[white]     %s\n", s.Mode)
	fmt.Fprintf(&b, "  [gray]Services:[white] %s\n", s.ServiceStatus)
	fmt.Fprintf(&b, "  [gray]DirCon:[white]   %s\n", tview.Escape(s.DirConStatus))
	fmt.Fprintf(&b, "  [gray]Trainer:[white]  %s\n", tview.Escape(s.BLEStatus))
	if !s.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "\n  [gray]Updated %s[white]\n", s.UpdatedAt.Format("15:04:05"))
	}
	return b.String()
}

// formatMetrics renders the engine snapshot and the latest trainer telemetry.
func formatMetrics(s trainer.Status) string {
	e := s.Engine
	var b strings.Builder
	fmt.Fprintf(&b, "\n  [gray]Trainer mode:[white] [green]%s[white]\n", s.TrainerMode)
	fmt.Fprintf(&b, "  [gray]Last command:[white] %s\n", e.LastCommand)
	fmt.Fprintf(&b, "  [gray]Control:[white]      %s\n", yesNo(e.ControlGranted))
	fmt.Fprintf(&b, "  [gray]Target:[white]       %s\n", e.LastTarget)
	if e.Mode != shifting.ERGMode {
		fmt.Fprintf(&b, "  [gray]Grade:[white]        %.2f %% (effective %.2f %%)\n", e.RawGrade, e.EffectiveGrade)
	}
	if e.Mode == shifting.SIMModeVirtualShifting {
		fmt.Fprintf(&b, "  [gray]Gear ratio:[white]   %.2f\n", e.GearRatio)
	}

	t := e.Telemetry
	b.WriteString("\n")
	b.WriteString(metricLine("Power", t.HasPower, fmt.Sprintf("%d W", t.PowerWatts)))
	b.WriteString(metricLine("Cadence", t.HasCadence, fmt.Sprintf("%.0f rpm", t.CadenceRpm)))
	b.WriteString(metricLine("Speed", t.HasSpeed, fmt.Sprintf("%.1f km/h", t.SpeedKmh)))
	b.WriteString(metricLine("Heart rate", t.HasHeartRate, fmt.Sprintf("%d bpm", t.HeartRateBpm)))
	return b.String()
}

func metricLine(label string, ok bool, value string) string {
	if !ok {
		value = "[gray]--[white]"
	}
	return fmt.Sprintf("  [gray]%-11s[white] %s\n", label+":", value)
}

func yesNo(v bool) string {
	if v {
		return "granted"
	}
	return "not granted"
}

// formatClients renders connected clients and their subscription counts.
func formatClients(s trainer.Status, now time.Time) string {
	var b strings.Builder
	if len(s.Clients) == 0 {
		b.WriteString("\n  [gray]No clients connected[white]\n")
	}
	for _, c := range s.Clients {
		fmt.Fprintf(&b, "  %s  %s  %d subs  %s\n",
			c.ID, tview.Escape(c.RemoteAddr), c.Subscriptions, now.Sub(c.ConnectedAt).Truncate(time.Second))
	}

	services := make([]string, 0, len(s.Subscriptions))
	for svc := range s.Subscriptions {
		services = append(services, svc)
	}
	sort.Strings(services)
	for _, svc := range services {
		fmt.Fprintf(&b, "\n  [yellow]%s[white]\n", svc)
		chars := s.Subscriptions[svc]
		names := make([]string, 0, len(chars))
		for c := range chars {
			names = append(names, c)
		}
		sort.Strings(names)
		for _, c := range names {
			fmt.Fprintf(&b, "    %s: %d\n", c, chars[c])
		}
	}
	return b.String()
}

// formatDevices renders the scan list.
func formatDevices(s trainer.Status) string {
	if len(s.ScannedDevices) == 0 {
		return "\n  [gray]No devices found[white]\n"
	}
	var b strings.Builder
	for _, d := range s.ScannedDevices {
		fmt.Fprintf(&b, "  %s\n", tview.Escape(d))
	}
	return b.String()
}
