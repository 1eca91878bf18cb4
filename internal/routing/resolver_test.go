package routing

import (
	"context"
	"testing"

	"github.com/openclaims/approvald/internal/config"
	"github.com/openclaims/approvald/internal/directory"
	"github.com/openclaims/approvald/model"
)

func testRoutingConfig() config.RoutingConfig {
	return config.RoutingConfig{
		FallbackAdminID:      "admin",
		FallbackFinanceID:    "cfo-office",
		FallbackComplianceID: "cco-office",
		HighValueThreshold:   100000,
		FinanceDepartment:    "Finance",
		ComplianceDepartment: "Compliance",
		DepartmentHeadTitles: map[string]string{
			"Technology": "CTO",
			"Finance":    "CFO",
			"Trading":    "CEO",
		},
		DefaultHeadTitle: "COO",
	}
}

func seedOrg(store *directory.MemoryUserStore) {
	store.Seed(
		model.User{ID: "u001", Name: "Ada", Department: "Finance", Title: "Analyst", ManagerID: "u010", Active: true},
		model.User{ID: "u010", Name: "Ben", Department: "Finance", Title: "Manager", Active: true},
		model.User{ID: "u011", Name: "Cam", Department: "Finance", Title: "Manager", Active: true},
		model.User{ID: "u020", Name: "Dee", Department: "Compliance", Title: "Manager", Active: true},
		model.User{ID: "u030", Name: "Eve", Department: "Technology", Title: "Engineer", ManagerID: "u031", Active: true},
		model.User{ID: "u031", Name: "Fay", Department: "Technology", Title: "Manager", Active: true},
		model.User{ID: "c001", Name: "Gil", Department: "Executive", Title: "CEO", Active: true},
		model.User{ID: "c002", Name: "Hal", Department: "Executive", Title: "COO", Active: true},
		model.User{ID: "c003", Name: "Ivy", Department: "Finance", Title: "CFO", Active: true},
		model.User{ID: "c004", Name: "Jay", Department: "Technology", Title: "CTO", Active: true},
	)
}

func newTestResolver(t *testing.T, seed func(*directory.MemoryUserStore)) *Resolver {
	t.Helper()
	store := directory.NewMemoryUserStore()
	if seed != nil {
		seed(store)
	}
	return NewResolver(store, testRoutingConfig(), nil, nil)
}

func TestResolveChainDeterministic(t *testing.T) {
	r := newTestResolver(t, seedOrg)
	applicant := model.User{ID: "u001", Department: "Finance", ManagerID: "u010", Active: true}

	first, err := r.ResolveChain(context.Background(), applicant, 50000)
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := r.ResolveChain(context.Background(), applicant, 50000)
		if err != nil {
			t.Fatalf("ResolveChain (repeat %d): %v", i, err)
		}
		if again != first {
			t.Fatalf("chain not deterministic: first %+v, repeat %+v", first, again)
		}
	}
}

func TestResolveChainFillsEveryRole(t *testing.T) {
	r := newTestResolver(t, seedOrg)
	applicant := model.User{ID: "u030", Department: "Technology", ManagerID: "u031", Active: true}

	chain, err := r.ResolveChain(context.Background(), applicant, 1000)
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	for _, role := range model.AllRoles {
		if chain.Get(role) == "" {
			t.Errorf("role %s unresolved in chain %+v", role, chain)
		}
	}
	if got := chain.Get(model.RoleManager); got != "u031" {
		t.Errorf("manager = %s, want u031", got)
	}
	if got := chain.Get(model.RoleFunctionalHead); got != "c004" {
		t.Errorf("functional head = %s, want c004 (CTO)", got)
	}
}

// Finance applicant, 50k, direct manager inactive: the line manager role
// falls back to a Finance department manager, and with none left, to the
// configured administrator.
func TestManagerFallbackChain(t *testing.T) {
	tests := []struct {
		name string
		seed func(*directory.MemoryUserStore)
		want string
	}{
		{
			name: "inactive direct manager falls back to department manager",
			seed: func(s *directory.MemoryUserStore) {
				s.Seed(
					model.User{ID: "u010", Department: "Finance", Title: "Manager", Active: false},
					model.User{ID: "u011", Department: "Finance", Title: "Manager", Active: true},
					model.User{ID: "u012", Department: "Finance", Title: "Manager", Active: true},
				)
			},
			// Lowest ID among active Finance managers.
			want: "u011",
		},
		{
			name: "no department manager falls back to administrator",
			seed: func(s *directory.MemoryUserStore) {
				s.Seed(model.User{ID: "u010", Department: "Finance", Title: "Manager", Active: false})
			},
			want: "admin",
		},
		{
			name: "missing manager record falls back to department manager",
			seed: func(s *directory.MemoryUserStore) {
				s.Seed(model.User{ID: "u013", Department: "Finance", Title: "Manager", Active: true})
			},
			want: "u013",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, tt.seed)
			applicant := model.User{ID: "u001", Department: "Finance", ManagerID: "u010", Active: true}

			got, err := r.ResolveRole(context.Background(), model.RoleManager, Request{Applicant: applicant, Amount: 50000})
			if err != nil {
				t.Fatalf("ResolveRole: %v", err)
			}
			if got != tt.want {
				t.Errorf("manager = %s, want %s", got, tt.want)
			}
		})
	}
}

// Above the high-value threshold the executive role targets the CEO; the
// priority order CEO, COO, CFO, CTO applies when the targeted title has
// no active holder.
func TestExecutiveAmountThreshold(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		seed   func(*directory.MemoryUserStore)
		want   string
	}{
		{
			name:   "high value goes to CEO",
			amount: 150000,
			seed:   seedOrg,
			want:   "c001",
		},
		{
			name:   "at threshold stays with COO",
			amount: 100000,
			seed:   seedOrg,
			want:   "c002",
		},
		{
			name:   "high value without CEO walks priority order",
			amount: 150000,
			seed: func(s *directory.MemoryUserStore) {
				s.Seed(
					model.User{ID: "c001", Title: "CEO", Active: false},
					model.User{ID: "c003", Title: "CFO", Active: true},
				)
			},
			want: "c003",
		},
		{
			name:   "no executives at all falls back to administrator",
			amount: 150000,
			seed:   nil,
			want:   "admin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, tt.seed)
			applicant := model.User{ID: "u001", Department: "Finance", Active: true}

			got, err := r.ResolveRole(context.Background(), model.RoleExecutive, Request{Applicant: applicant, Amount: tt.amount})
			if err != nil {
				t.Fatalf("ResolveRole: %v", err)
			}
			if got != tt.want {
				t.Errorf("executive = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDepartmentLeadFallback(t *testing.T) {
	r := newTestResolver(t, func(s *directory.MemoryUserStore) {
		s.Seed(model.User{ID: "u020", Department: "Compliance", Title: "Manager", Active: true})
	})
	applicant := model.User{ID: "u001", Department: "Finance", Active: true}
	req := Request{Applicant: applicant, Amount: 1000}

	compliance, err := r.ResolveRole(context.Background(), model.RoleComplianceLead, req)
	if err != nil {
		t.Fatalf("ResolveRole compliance: %v", err)
	}
	if compliance != "u020" {
		t.Errorf("compliance lead = %s, want u020", compliance)
	}

	// No Finance manager seeded: the named finance officer steps in.
	finance, err := r.ResolveRole(context.Background(), model.RoleFinanceLead, req)
	if err != nil {
		t.Fatalf("ResolveRole finance: %v", err)
	}
	if finance != "cfo-office" {
		t.Errorf("finance lead = %s, want cfo-office", finance)
	}
}

func TestFunctionalHeadDefaultsUnmappedDepartment(t *testing.T) {
	r := newTestResolver(t, func(s *directory.MemoryUserStore) {
		s.Seed(model.User{ID: "c002", Title: "COO", Active: true})
	})
	applicant := model.User{ID: "u050", Department: "Facilities", Active: true}

	got, err := r.ResolveRole(context.Background(), model.RoleFunctionalHead, Request{Applicant: applicant})
	if err != nil {
		t.Fatalf("ResolveRole: %v", err)
	}
	if got != "c002" {
		t.Errorf("functional head = %s, want c002 (default COO)", got)
	}
}

func TestExhaustionWithoutAdminFallback(t *testing.T) {
	cfg := testRoutingConfig()
	cfg.FallbackAdminID = ""
	store := directory.NewMemoryUserStore()
	r := NewResolver(store, cfg, nil, nil)
	applicant := model.User{ID: "u001", Department: "Finance", Active: true}

	_, err := r.ResolveRole(context.Background(), model.RoleManager, Request{Applicant: applicant})
	if !model.IsCode(err, model.ErrNoApproverFound) {
		t.Fatalf("err = %v, want NO_APPROVER_FOUND", err)
	}
}

func TestResolveChainFailsFastOnUnresolvableRole(t *testing.T) {
	cfg := testRoutingConfig()
	cfg.FallbackAdminID = ""
	cfg.FallbackFinanceID = ""
	store := directory.NewMemoryUserStore()
	store.Seed(model.User{ID: "u010", Department: "Finance", Title: "Manager", Active: true})
	r := NewResolver(store, cfg, nil, nil)
	applicant := model.User{ID: "u001", Department: "Finance", ManagerID: "u010", Active: true}

	_, err := r.ResolveChain(context.Background(), applicant, 1000)
	if !model.IsCode(err, model.ErrNoApproverFound) {
		t.Fatalf("err = %v, want NO_APPROVER_FOUND", err)
	}
}
