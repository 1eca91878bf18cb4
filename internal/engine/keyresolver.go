package engine

import (
	"context"

	"github.com/openclaims/approvald/model"
)

// KeyResolver maps a business type to the process definition key to
// start. Missing or undeployed templates are the most common operational
// failure mode, so the error enumerates template counts instead of being
// a generic lookup failure.
type KeyResolver struct {
	client      Client
	processKeys map[string]string // business type -> process key
}

// NewKeyResolver creates a resolver over the configured business-type
// mapping.
func NewKeyResolver(client Client, processKeys map[string]string) *KeyResolver {
	return &KeyResolver{client: client, processKeys: processKeys}
}

// Resolve returns the deployed process key for a business type. Fails
// with NO_DEPLOYED_TEMPLATE when the type is unmapped or every template
// version for the key is undeployed.
func (r *KeyResolver) Resolve(ctx context.Context, businessType string) (string, error) {
	key, ok := r.processKeys[businessType]
	if !ok {
		return "", model.NewNoDeployedTemplateError(businessType, 0, 0)
	}

	defs, err := r.client.GetProcessDefinitions(ctx, key)
	if err != nil {
		return "", err
	}

	deployed := 0
	for _, d := range defs {
		if d.Deployed {
			deployed++
		}
	}
	if deployed == 0 {
		return "", model.NewNoDeployedTemplateError(businessType, len(defs), deployed)
	}
	return key, nil
}
