// Package routing computes the approver chain for an approval case:
// one person per role, resolved from organizational data with a strict
// per-role fallback order. Resolution is deterministic: directory list
// queries are ordered by ascending user ID, and no strategy consults
// anything but the supplied inputs and the directory snapshot.
package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/openclaims/approvald/internal/config"
	"github.com/openclaims/approvald/internal/directory"
	"github.com/openclaims/approvald/model"
)

// TitleManager is the title that marks a person as a line manager within
// a department.
const TitleManager = "Manager"

// Executive title priority used when the amount-selected title has no
// active holder.
var executivePriority = []string{"CEO", "COO", "CFO", "CTO"}

// Request carries the inputs a role strategy may consult.
type Request struct {
	Applicant model.User
	Amount    float64
}

// RoleResolver resolves one approver role. Implementations apply their
// own fallback policy and return NO_APPROVER_FOUND on exhaustion.
type RoleResolver interface {
	Role() string
	Resolve(ctx context.Context, req Request) (string, error)
}

// Observer receives resolution outcomes. Methods may be called
// concurrently; implementations must be safe for that.
type Observer interface {
	RoleResolved(role, outcome string)
	FallbackTaken(role string)
}

// Resolver aggregates the per-role strategies into a chain resolver.
type Resolver struct {
	resolvers []RoleResolver
	logger    *zap.Logger
}

// NewResolver builds the standard strategy set from configuration.
// observer may be nil.
func NewResolver(dir directory.Lookup, cfg config.RoutingConfig, logger *zap.Logger, observer Observer) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strategyBase{dir: dir, cfg: cfg, logger: logger, observer: observer}
	return &Resolver{
		logger: logger,
		resolvers: []RoleResolver{
			&managerResolver{strategyBase: base},
			&departmentLeadResolver{
				strategyBase: base,
				role:         model.RoleFinanceLead,
				department:   cfg.FinanceDepartment,
				fallbackID:   cfg.FallbackFinanceID,
			},
			&departmentLeadResolver{
				strategyBase: base,
				role:         model.RoleComplianceLead,
				department:   cfg.ComplianceDepartment,
				fallbackID:   cfg.FallbackComplianceID,
			},
			&functionalHeadResolver{strategyBase: base},
			&executiveResolver{strategyBase: base},
		},
	}
}

// ResolveRole resolves a single role by name.
func (r *Resolver) ResolveRole(ctx context.Context, role string, req Request) (string, error) {
	for _, res := range r.resolvers {
		if res.Role() == role {
			return res.Resolve(ctx, req)
		}
	}
	return "", model.NewNoApproverFoundError(role)
}

// ResolveChain resolves every role for an applicant and amount. The
// first unresolvable role fails the whole chain.
func (r *Resolver) ResolveChain(ctx context.Context, applicant model.User, amount float64) (model.ApproverChain, error) {
	req := Request{Applicant: applicant, Amount: amount}

	var chain model.ApproverChain
	targets := map[string]*string{
		model.RoleManager:        &chain.ManagerID,
		model.RoleFinanceLead:    &chain.FinanceLeadID,
		model.RoleComplianceLead: &chain.ComplianceLeadID,
		model.RoleFunctionalHead: &chain.FunctionalHeadID,
		model.RoleExecutive:      &chain.ExecutiveID,
	}

	for _, res := range r.resolvers {
		id, err := res.Resolve(ctx, req)
		if err != nil {
			return model.ApproverChain{}, err
		}
		*targets[res.Role()] = id
	}

	r.logger.Debug("approver chain resolved",
		zap.String("applicant_id", applicant.ID),
		zap.Float64("amount", amount),
		zap.String("manager_id", chain.ManagerID),
		zap.String("executive_id", chain.ExecutiveID),
	)
	return chain, nil
}
