package api

type endpoint struct {
	path      string
	id        string
	summary   string
	params    []map[string]any
	responses map[string]any
}

var endpoints = []endpoint{
	{
		path:    "/snapshots",
		id:      "listSnapshots",
		summary: "List snapshots, oldest first, with the latest pointer state",
		responses: map[string]any{
			"200": map[string]any{"description": "Snapshot list"},
		},
	},
	{
		path:    "/plan",
		id:      "retentionPlan",
		summary: "Compute the retention plan without deleting anything",
		params: []map[string]any{{
			"name": "now", "in": "query", "required": false,
			"schema": map[string]any{"type": "string", "format": "date-time"},
		}},
		responses: map[string]any{
			"200": map[string]any{"description": "Keep or delete verdict per snapshot"},
			"400": map[string]any{"description": "Bad timestamp"},
		},
	},
	{
		path:    "/runs",
		id:      "listRuns",
		summary: "Recent runs, newest first",
		params: []map[string]any{{
			"name": "limit", "in": "query", "required": false,
			"schema": map[string]any{"type": "integer", "minimum": 1, "maximum": maxRunsLimit},
		}},
		responses: map[string]any{
			"200": map[string]any{"description": "Run list"},
			"400": map[string]any{"description": "Bad limit"},
		},
	},
	{
		path:    "/runs/{runID}",
		id:      "getRun",
		summary: "One run with its retention deletions",
		params: []map[string]any{{
			"name": "runID", "in": "path", "required": true,
			"schema": map[string]any{"type": "string"},
		}},
		responses: map[string]any{
			"200": map[string]any{"description": "Run detail"},
			"404": map[string]any{"description": "Unknown run"},
		},
	},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the read-only routes.
func buildOpenAPIDoc(authenticated, withMetrics bool) map[string]any {
	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness and latest pointer state",
				"responses": map[string]any{
					"200": map[string]any{"description": "Healthy"},
					"503": map[string]any{"description": "Latest pointer needs repair"},
				},
			},
		},
	}

	list := endpoints
	if withMetrics {
		list = append(list[:len(list):len(list)], endpoint{
			path:    "/metrics",
			id:      "metrics",
			summary: "Prometheus metrics",
			responses: map[string]any{
				"200": map[string]any{"description": "Text exposition format"},
			},
		})
	}

	for _, e := range list {
		op := map[string]any{
			"operationId": e.id,
			"summary":     e.summary,
			"responses":   e.responses,
		}
		if len(e.params) > 0 {
			op["parameters"] = e.params
		}
		if authenticated {
			op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}
		paths[e.path] = map[string]any{"get": op}
	}

	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "time-machine status",
			"version": "1.0",
		},
		"paths": paths,
	}
	if authenticated {
		doc["components"] = map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		}
	}
	return doc
}
