package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/openclaims/approvald/model"
)

func TestKeyResolverResolvesDeployedKey(t *testing.T) {
	fake := NewFakeEngine()
	fake.SetDefinitions("expenseApproval",
		ProcessDefinition{ID: "expenseApproval:1", Key: "expenseApproval", Version: 1, Deployed: false},
		ProcessDefinition{ID: "expenseApproval:2", Key: "expenseApproval", Version: 2, Deployed: true},
	)
	r := NewKeyResolver(fake, map[string]string{"expense_claim": "expenseApproval"})

	key, err := r.Resolve(context.Background(), "expense_claim")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "expenseApproval" {
		t.Errorf("key = %q, want expenseApproval", key)
	}
}

func TestKeyResolverUnmappedBusinessType(t *testing.T) {
	r := NewKeyResolver(NewFakeEngine(), map[string]string{"expense_claim": "expenseApproval"})

	_, err := r.Resolve(context.Background(), "travel_request")
	if !model.IsCode(err, model.ErrNoDeployedTemplate) {
		t.Fatalf("err = %v, want NO_DEPLOYED_TEMPLATE", err)
	}
}

// The error names the template counts so operators can tell "nothing
// uploaded" from "uploaded but not deployed".
func TestKeyResolverCountsUndeployedTemplates(t *testing.T) {
	fake := NewFakeEngine()
	fake.SetDefinitions("expenseApproval",
		ProcessDefinition{ID: "expenseApproval:1", Key: "expenseApproval", Version: 1, Deployed: false},
		ProcessDefinition{ID: "expenseApproval:2", Key: "expenseApproval", Version: 2, Deployed: false},
	)
	r := NewKeyResolver(fake, map[string]string{"expense_claim": "expenseApproval"})

	_, err := r.Resolve(context.Background(), "expense_claim")
	if !model.IsCode(err, model.ErrNoDeployedTemplate) {
		t.Fatalf("err = %v, want NO_DEPLOYED_TEMPLATE", err)
	}
	if !strings.Contains(err.Error(), "2 template(s) exist, 0 deployed") {
		t.Errorf("message = %q, want template counts", err.Error())
	}
}
