package conflict

import (
	"testing"

	"github.com/breeze-rmm/opsagent/internal/command"
)

func TestClassifyRuleOrder(t *testing.T) {
	cases := []struct {
		cmd  command.Command
		want command.Category
	}{
		{command.Command{Type: command.TypeExecute, Priority: command.PriorityHigh}, command.CategorySystemCritical},
		{command.Command{Type: command.TypePatch, Priority: command.PriorityCritical}, command.CategorySystemCritical},
		{command.Command{Type: command.TypeRestart, Priority: command.PriorityNormal}, command.CategorySystemCritical},
		{command.Command{Type: command.TypeReboot, Priority: command.PriorityLow}, command.CategorySystemCritical},
		{command.Command{Type: command.TypePatch, Priority: command.PriorityNormal}, command.CategoryMaintenance},
		{command.Command{Type: command.TypeInstall, Priority: command.PriorityNormal}, command.CategoryMaintenance},
		{command.Command{Type: command.TypeUpload, Priority: command.PriorityNormal}, command.CategoryDeployment},
		{command.Command{Type: command.TypeDownload, Priority: command.PriorityNormal}, command.CategoryBackup},
		{command.Command{Type: command.TypeHealthCheck, Priority: command.PriorityNormal}, command.CategoryMonitoring},
		{command.Command{Type: command.TypeExecute, Priority: command.PriorityNormal, Payload: "ufw status # Firewall"}, command.CategorySecurity},
		{command.Command{Type: command.TypeExecute, Priority: command.PriorityNormal, Payload: "uptime"}, command.CategoryUserOperation},
	}
	for _, tc := range cases {
		if got := Classify(&tc.cmd); got != tc.want {
			t.Fatalf("Classify(type=%s priority=%d payload=%q) = %s, want %s", tc.cmd.Type, tc.cmd.Priority, tc.cmd.Payload, got, tc.want)
		}
	}
}

func TestConflictsIsSymmetric(t *testing.T) {
	all := []command.Category{
		command.CategorySystemCritical, command.CategoryMaintenance, command.CategoryMonitoring,
		command.CategoryDeployment, command.CategoryBackup, command.CategorySecurity, command.CategoryUserOperation,
	}
	for _, a := range all {
		for _, b := range all {
			if Conflicts(a, b) != Conflicts(b, a) {
				t.Fatalf("Conflicts(%s,%s) is not symmetric", a, b)
			}
		}
	}
	if !Conflicts(command.CategoryMaintenance, command.CategoryBackup) {
		t.Fatal("maintenance should conflict with backup")
	}
	if Conflicts(command.CategorySystemCritical, command.CategoryBackup) {
		t.Fatal("system critical should not conflict with backup")
	}
	if Conflicts(command.CategoryMonitoring, command.CategoryMaintenance) {
		t.Fatal("monitoring conflicts with nothing")
	}
}

func TestResolve(t *testing.T) {
	running := []*command.Command{{ID: "r1", Category: command.CategoryMaintenance}}

	deploy := &command.Command{ID: "c1", Category: command.CategoryDeployment}
	if err := Resolve(running, deploy); err == nil {
		t.Fatal("deployment should be rejected while maintenance runs")
	}

	monitor := &command.Command{ID: "c2", Category: command.CategoryMonitoring}
	if err := Resolve(running, monitor); err != nil {
		t.Fatalf("monitoring should be allowed: %v", err)
	}

	if err := Resolve(nil, deploy); err != nil {
		t.Fatalf("nothing running should never conflict: %v", err)
	}
}
