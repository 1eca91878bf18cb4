package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/openclaims/approvald/internal/config"
	"github.com/openclaims/approvald/internal/directory"
	"github.com/openclaims/approvald/model"
)

// strategyBase carries the collaborators shared by every strategy.
type strategyBase struct {
	dir      directory.Lookup
	cfg      config.RoutingConfig
	logger   *zap.Logger
	observer Observer
}

func (b *strategyBase) resolved(role, id string) (string, error) {
	if b.observer != nil {
		b.observer.RoleResolved(role, "resolved")
	}
	return id, nil
}

func (b *strategyBase) exhausted(role string) (string, error) {
	if b.observer != nil {
		b.observer.RoleResolved(role, "exhausted")
	}
	return "", model.NewNoApproverFoundError(role)
}

func (b *strategyBase) fellBack(role string) {
	if b.observer != nil {
		b.observer.FallbackTaken(role)
	}
	b.logger.Debug("routing fallback taken", zap.String("role", role))
}

// firstActiveByDeptTitle returns the lowest-ID active holder of a title
// in a department, or empty.
func (b *strategyBase) firstActiveByDeptTitle(ctx context.Context, dept, title string) (string, error) {
	users, err := b.dir.FindActiveUsersByDepartmentAndTitle(ctx, dept, title)
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", nil
	}
	return users[0].ID, nil
}

// firstActiveByTitle returns the lowest-ID active holder of a title, or
// empty.
func (b *strategyBase) firstActiveByTitle(ctx context.Context, title string) (string, error) {
	users, err := b.dir.FindActiveUsersByTitle(ctx, title)
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", nil
	}
	return users[0].ID, nil
}

// --- Line manager ---

// managerResolver resolves the applicant's line manager: recorded direct
// manager if still active, else the first active Manager in the
// applicant's department, else the configured administrator.
type managerResolver struct {
	strategyBase
}

func (r *managerResolver) Role() string { return model.RoleManager }

func (r *managerResolver) Resolve(ctx context.Context, req Request) (string, error) {
	if req.Applicant.ManagerID != "" {
		mgr, err := r.dir.GetUser(ctx, req.Applicant.ManagerID)
		if err == nil && mgr.Active {
			return r.resolved(model.RoleManager, mgr.ID)
		}
		if err != nil && !model.IsCode(err, model.ErrNotFound) {
			return "", err
		}
	}
	r.fellBack(model.RoleManager)

	id, err := r.firstActiveByDeptTitle(ctx, req.Applicant.Department, TitleManager)
	if err != nil {
		return "", err
	}
	if id != "" {
		return r.resolved(model.RoleManager, id)
	}
	r.fellBack(model.RoleManager)

	if r.cfg.FallbackAdminID != "" {
		return r.resolved(model.RoleManager, r.cfg.FallbackAdminID)
	}
	return r.exhausted(model.RoleManager)
}

// --- Finance / compliance leads ---

// departmentLeadResolver resolves the first active Manager of a fixed
// department, falling back to a configured named officer.
type departmentLeadResolver struct {
	strategyBase
	role       string
	department string
	fallbackID string
}

func (r *departmentLeadResolver) Role() string { return r.role }

func (r *departmentLeadResolver) Resolve(ctx context.Context, _ Request) (string, error) {
	id, err := r.firstActiveByDeptTitle(ctx, r.department, TitleManager)
	if err != nil {
		return "", err
	}
	if id != "" {
		return r.resolved(r.role, id)
	}
	r.fellBack(r.role)

	if r.fallbackID != "" {
		return r.resolved(r.role, r.fallbackID)
	}
	return r.exhausted(r.role)
}

// --- Functional head ---

// functionalHeadResolver maps the applicant's department to an executive
// title (unmapped departments default to the configured default title),
// then walks: active holder of that title, any active holder of the
// default title, configured administrator.
type functionalHeadResolver struct {
	strategyBase
}

func (r *functionalHeadResolver) Role() string { return model.RoleFunctionalHead }

func (r *functionalHeadResolver) Resolve(ctx context.Context, req Request) (string, error) {
	title, ok := r.cfg.DepartmentHeadTitles[req.Applicant.Department]
	if !ok {
		title = r.cfg.DefaultHeadTitle
	}

	id, err := r.firstActiveByTitle(ctx, title)
	if err != nil {
		return "", err
	}
	if id != "" {
		return r.resolved(model.RoleFunctionalHead, id)
	}
	r.fellBack(model.RoleFunctionalHead)

	if title != r.cfg.DefaultHeadTitle {
		id, err = r.firstActiveByTitle(ctx, r.cfg.DefaultHeadTitle)
		if err != nil {
			return "", err
		}
		if id != "" {
			return r.resolved(model.RoleFunctionalHead, id)
		}
		r.fellBack(model.RoleFunctionalHead)
	}

	if r.cfg.FallbackAdminID != "" {
		return r.resolved(model.RoleFunctionalHead, r.cfg.FallbackAdminID)
	}
	return r.exhausted(model.RoleFunctionalHead)
}

// --- Executive ---

// executiveResolver selects CEO or COO by the amount threshold, then
// walks the CEO→COO→CFO→CTO priority order, then the configured
// administrator.
type executiveResolver struct {
	strategyBase
}

func (r *executiveResolver) Role() string { return model.RoleExecutive }

func (r *executiveResolver) Resolve(ctx context.Context, req Request) (string, error) {
	title := "COO"
	if req.Amount > r.cfg.HighValueThreshold {
		title = "CEO"
	}

	id, err := r.firstActiveByTitle(ctx, title)
	if err != nil {
		return "", err
	}
	if id != "" {
		return r.resolved(model.RoleExecutive, id)
	}
	r.fellBack(model.RoleExecutive)

	for _, t := range executivePriority {
		if t == title {
			continue // already tried
		}
		id, err = r.firstActiveByTitle(ctx, t)
		if err != nil {
			return "", err
		}
		if id != "" {
			return r.resolved(model.RoleExecutive, id)
		}
	}
	r.fellBack(model.RoleExecutive)

	if r.cfg.FallbackAdminID != "" {
		return r.resolved(model.RoleExecutive, r.cfg.FallbackAdminID)
	}
	return r.exhausted(model.RoleExecutive)
}
