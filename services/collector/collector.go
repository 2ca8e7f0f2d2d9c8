// Package collector is the client side of the artifact pipeline: it runs a
// set of collectors against a target container, serializes their combined
// output into an envelope, and transmits it to the ingest service.
//
// The collectors themselves live outside this repository. Each one is a
// pure function: it receives the target and returns its sub-document plus
// any errors it encountered. Nothing here shares mutable state between
// collectors; error aggregation happens explicitly in Run and again in the
// serializer.
package collector

import "context"

// Target identifies what is being collected from.
type Target struct {
	// ContainerID is the full container identifier.
	ContainerID string
	// Info is the inspect output for the container, passed through to
	// collectors that need runtime details.
	Info map[string]any
}

// Collector produces one named sub-document of the artifact document.
type Collector struct {
	// Name keys the sub-document and tags aggregated errors.
	Name string
	// Collect returns the collected fields and any failures. A failing
	// collector still contributes whatever it gathered.
	Collect func(ctx context.Context, target Target) (map[string]any, []string)
}

// Run executes every collector in order and assembles the artifact
// document. Each collector's errors are recorded under its own "errors"
// key, where the serializer picks them up for the envelope metadata.
func Run(ctx context.Context, target Target, collectors []Collector) map[string]map[string]any {
	doc := make(map[string]map[string]any, len(collectors))
	for _, c := range collectors {
		if ctx.Err() != nil {
			break
		}

		fields, errs := c.Collect(ctx, target)
		if fields == nil {
			fields = map[string]any{}
		}
		if len(errs) > 0 {
			tagged := make([]any, len(errs))
			for i, e := range errs {
				tagged[i] = e
			}
			fields["errors"] = tagged
		}
		doc[c.Name] = fields
	}
	return doc
}
