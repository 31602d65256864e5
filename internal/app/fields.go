package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/actiond/internal/component"
	"github.com/mattjoyce/actiond/internal/rest"
)

type fieldDef struct {
	Name string `json:"name"`
}

// CheckRequiredFields verifies that every platform field the components
// depend on exists in the org's type definitions. A missing field is a
// startup error; discovering it on the first live message would be far
// worse.
func CheckRequiredFields(ctx context.Context, client rest.Client, comps []*component.Component) error {
	needIncident := false
	needAction := false
	for _, c := range comps {
		needIncident = needIncident || len(c.RequiredIncidentFields) > 0
		needAction = needAction || len(c.RequiredActionFields) > 0
	}

	var incident, invocation map[string]bool
	var err error
	if needIncident {
		if incident, err = fetchFieldNames(ctx, client, "/types/incident/fields"); err != nil {
			return err
		}
	}
	if needAction {
		if invocation, err = fetchFieldNames(ctx, client, "/types/actioninvocation/fields"); err != nil {
			return err
		}
	}

	var problems []string
	for _, c := range comps {
		for _, f := range c.RequiredIncidentFields {
			if !incident[f] {
				problems = append(problems, fmt.Sprintf("%s needs incident field %q", c.Name, f))
			}
		}
		for _, f := range c.RequiredActionFields {
			if !invocation[f] {
				problems = append(problems, fmt.Sprintf("%s needs action field %q", c.Name, f))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("missing platform fields: %s", strings.Join(problems, "; "))
	}
	return nil
}

func fetchFieldNames(ctx context.Context, client rest.Client, path string) (map[string]bool, error) {
	var defs []fieldDef
	if err := client.Get(ctx, path, &defs); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	return names, nil
}
