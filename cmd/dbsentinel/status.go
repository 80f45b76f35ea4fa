package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/config"
	"github.com/dbsentinel/dbsentinel/internal/monitor"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
	badColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

// handleStatus queries the admin surface of a running monitor and
// renders the reply for a terminal.
func handleStatus(appCfg *AppConfig, logger *logrus.Logger) error {
	addr := appCfg.AdminAddr
	if addr == "" {
		if cfg, err := loadSettings(appCfg, logger); err == nil {
			addr = cfg.Monitoring.AdminAddr
		} else {
			addr = config.SecureDefaults().Monitoring.AdminAddr
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return fmt.Errorf("monitor not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("monitor at %s answered %s", addr, resp.Status)
	}

	var st monitor.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status reply: %w", err)
	}
	printStatus(addr, st)
	return nil
}

func printStatus(addr string, st monitor.Status) {
	fmt.Printf("dbsentinel @ %s\n\n", addr)

	fmt.Printf("  State:            %s\n", stateColor(st.State).Sprint(st.State))
	fmt.Printf("  Emergency level:  %s\n", levelColor(st.EmergencyLevel).Sprint(st.EmergencyLevel))
	fmt.Printf("  Uptime:           %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Println()

	fmt.Printf("  Events processed: %d (%.1f/s, p50 %.2fms)\n", st.EventsProcessed, st.EventsPerSecond, st.P50LatencyMs)
	if st.EventsDropped > 0 {
		fmt.Printf("  Events dropped:   %s\n", warnColor.Sprintf("%d", st.EventsDropped))
	}
	fmt.Printf("  Threats handled:  %d\n", st.ThreatsProcessed)
	fmt.Printf("  Active alerts:    %d\n", st.ActiveAlerts)
	fmt.Printf("  Attack sequences: %d (pending updates: %d)\n", st.ActiveSequences, st.PendingUpdates)
	if st.ActiveLockdowns > 0 {
		fmt.Printf("  Lockdowns:        %s\n", badColor.Sprintf("%d ACTIVE", st.ActiveLockdowns))
	}
	fmt.Printf("  Audit entries:    %d\n", st.AuditEntries)
	fmt.Println()

	fmt.Println("  Components:")
	for _, c := range st.Components {
		mark := okColor.Sprint("ok")
		if !c.Healthy {
			mark = badColor.Sprint("FAILED")
		}
		fmt.Printf("    %-24s %s\n", c.Name, mark)
	}

	if len(st.QueueDepths) > 0 {
		names := make([]string, 0, len(st.QueueDepths))
		for name := range st.QueueDepths {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println()
		fmt.Println("  Queues:")
		for _, name := range names {
			fmt.Printf("    %-24s %s\n", name, dimColor.Sprintf("%d queued", st.QueueDepths[name]))
		}
	}
}

func stateColor(state string) *color.Color {
	switch state {
	case "healthy":
		return okColor
	case "degraded":
		return warnColor
	default:
		return badColor
	}
}

func levelColor(level string) *color.Color {
	switch level {
	case "NONE":
		return okColor
	case "ELEVATED", "HIGH":
		return warnColor
	default:
		return badColor
	}
}

func printVerification(path string, result *audit.VerificationResult) {
	fmt.Printf("audit chain %s\n", path)
	fmt.Printf("  Entries: %d\n", result.TotalEntries)
	if result.Valid {
		fmt.Printf("  Result:  %s\n", okColor.Sprint("VALID"))
		return
	}
	fmt.Printf("  Result:  %s\n", badColor.Sprint("TAMPERED"))
	if result.FirstInvalidID != "" {
		fmt.Printf("  First invalid entry: %s (offset %d)\n", result.FirstInvalidID, result.FirstInvalidOffset)
	}
	if result.Error != "" {
		fmt.Printf("  Detail: %s\n", result.Error)
	}
}
