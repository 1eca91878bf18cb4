package model

// Approver roles resolved before process start. Each role has its own
// fallback policy in the routing resolver.
const (
	RoleManager        = "manager"
	RoleFinanceLead    = "financeLead"
	RoleComplianceLead = "complianceLead"
	RoleFunctionalHead = "functionalHead"
	RoleExecutive      = "executive"
)

// AllRoles lists the roles in chain order.
var AllRoles = []string{
	RoleManager,
	RoleFinanceLead,
	RoleComplianceLead,
	RoleFunctionalHead,
	RoleExecutive,
}

// Engine variable names the approver chain is bound under at instance
// start.
const (
	VarManagerID        = "managerId"
	VarFinanceLeadID    = "financeLeadId"
	VarComplianceLeadID = "complianceLeadId"
	VarFunctionalHeadID = "functionalHeadId"
	VarExecutiveID      = "executiveId"
	VarAmount           = "amount"
	VarBusinessType     = "businessType"
	VarBusinessID       = "businessId"
	VarApplicantID      = "applicantId"
)

// ApproverChain is the resolved approver identity per role. It is
// transient: computed per start request and passed to the engine as
// named variables, never persisted as an entity.
type ApproverChain struct {
	ManagerID        string `json:"manager_id"`
	FinanceLeadID    string `json:"finance_lead_id"`
	ComplianceLeadID string `json:"compliance_lead_id"`
	FunctionalHeadID string `json:"functional_head_id"`
	ExecutiveID      string `json:"executive_id"`
}

// Variables returns the chain as engine process variables.
func (c ApproverChain) Variables() map[string]any {
	return map[string]any{
		VarManagerID:        c.ManagerID,
		VarFinanceLeadID:    c.FinanceLeadID,
		VarComplianceLeadID: c.ComplianceLeadID,
		VarFunctionalHeadID: c.FunctionalHeadID,
		VarExecutiveID:      c.ExecutiveID,
	}
}

// Get returns the resolved person for a role, or empty if the role is
// unknown.
func (c ApproverChain) Get(role string) string {
	switch role {
	case RoleManager:
		return c.ManagerID
	case RoleFinanceLead:
		return c.FinanceLeadID
	case RoleComplianceLead:
		return c.ComplianceLeadID
	case RoleFunctionalHead:
		return c.FunctionalHeadID
	case RoleExecutive:
		return c.ExecutiveID
	}
	return ""
}
