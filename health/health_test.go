package health

import "testing"

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{"healthy", NewHealthy("svc", "ok"), true, false, false},
		{"degraded", NewDegraded("svc", "slow"), false, true, false},
		{"unhealthy", NewUnhealthy("svc", "down"), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsHealthy(); got != tt.healthy {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.healthy)
			}
			if got := tt.status.IsDegraded(); got != tt.degraded {
				t.Errorf("IsDegraded() = %v, want %v", got, tt.degraded)
			}
			if got := tt.status.IsUnhealthy(); got != tt.unhealthy {
				t.Errorf("IsUnhealthy() = %v, want %v", got, tt.unhealthy)
			}
			if tt.status.Healthy != tt.healthy {
				t.Errorf("Healthy field = %v, want %v", tt.status.Healthy, tt.healthy)
			}
			if tt.status.Timestamp.IsZero() {
				t.Error("Timestamp not set")
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"no subs", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"one unhealthy", []Status{NewHealthy("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
		{"unhealthy beats degraded", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			if got.Status != tt.want {
				t.Errorf("Aggregate() status = %q, want %q", got.Status, tt.want)
			}
			if len(got.SubStatuses) != len(tt.subs) {
				t.Errorf("SubStatuses len = %d, want %d", len(got.SubStatuses), len(tt.subs))
			}
		})
	}
}

func TestAggregateCopiesSubStatuses(t *testing.T) {
	subs := []Status{NewHealthy("a", "")}
	agg := Aggregate("system", subs)
	subs[0] = NewUnhealthy("a", "mutated")
	if agg.SubStatuses[0].Status != "healthy" {
		t.Error("Aggregate shares the caller's slice")
	}
}
