package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document describing the job API.
func buildOpenAPIDoc(withEvents, withMetrics bool) map[string]any {
	signed := []any{map[string]any{"Signature": []string{}}}

	paths := map[string]any{
		"/": map[string]any{
			"get": operation("index", "Service banner", nil, nil),
		},
		"/healthz": map[string]any{
			"get": operation("healthz", "Worker pool health", nil, nil),
		},
		"/command": map[string]any{
			"post": operation("runCommand", "Run an ad-hoc module against hosts", bodySchema(map[string]string{
				"n": "job name",
				"m": "module",
				"a": "module arguments",
				"t": "comma-separated targets",
				"r": "become",
				"i": "async",
				"c": "forks",
				"s": "sign of n+m+t",
			}, "n", "m", "t", "s"), signed),
		},
		"/playbook": map[string]any{
			"post": operation("runPlaybook", "Run a playbook; v_* fields become extra vars", bodySchema(map[string]string{
				"n": "job name",
				"h": "hosts",
				"f": "playbook file",
				"i": "async",
				"c": "forks",
				"s": "sign of n+h+f",
			}, "h", "f", "s"), signed),
		},
		"/file_list": map[string]any{
			"get": operation("listFiles", "List scripts or playbooks", queryParams("type", "sign"), signed),
		},
		"/file_rw": map[string]any{
			"get": operation("readFile", "Read a script or playbook", queryParams("type", "name", "sign"), signed),
			"post": operation("writeFile", "Write a script or playbook", bodySchema(map[string]string{
				"p": "type",
				"f": "file name",
				"c": "content",
				"s": "sign of p+f",
			}, "p", "f", "c", "s"), signed),
		},
		"/file_exist": map[string]any{
			"get": operation("fileExists", "Check a script or playbook exists", queryParams("type", "name", "sign"), signed),
		},
		"/vars_parse": map[string]any{
			"get": operation("parseVars", "List variables a playbook expects", queryParams("name", "sign"), signed),
		},
		"/job/{jobID}": map[string]any{
			"get": operation("getJob", "Job history record", pathAndQuery("jobID", "sign"), signed),
		},
	}
	if withEvents {
		paths["/events"] = map[string]any{
			"get": operation("events", "Server-sent job lifecycle events", queryParams("sign"), signed),
		}
	}
	if withMetrics {
		paths["/metrics"] = map[string]any{
			"get": operation("metrics", "Prometheus metrics", nil, nil),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Ansible API",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"Signature": map[string]any{
					"type":        "apiKey",
					"in":          "query",
					"name":        "sign",
					"description": "Hex digest of the endpoint's fields followed by the shared key. POST bodies carry it in s.",
				},
			},
		},
	}
}

func operation(id, summary string, input map[string]any, security []any) map[string]any {
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses": map[string]any{
			"200": map[string]any{"description": "Result, or {error, rc} when rc is non-zero"},
			"400": map[string]any{"description": "Undecodable body"},
			"403": map[string]any{"description": "Caller not in allow list"},
		},
	}
	for k, v := range input {
		op[k] = v
	}
	if security != nil {
		op["security"] = security
	}
	return op
}

func bodySchema(fields map[string]string, required ...string) map[string]any {
	props := make(map[string]any, len(fields))
	for name, desc := range fields {
		props[name] = map[string]any{"description": desc}
	}
	return map[string]any{
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type":                 "object",
						"properties":           props,
						"required":             required,
						"additionalProperties": true,
					},
				},
			},
		},
	}
}

func queryParams(names ...string) map[string]any {
	params := make([]any, 0, len(names))
	for _, name := range names {
		params = append(params, map[string]any{
			"name":   name,
			"in":     "query",
			"schema": map[string]any{"type": "string"},
		})
	}
	return map[string]any{"parameters": params}
}

func pathAndQuery(pathParam string, query ...string) map[string]any {
	params := queryParams(query...)["parameters"].([]any)
	params = append([]any{map[string]any{
		"name":     pathParam,
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}}, params...)
	return map[string]any{"parameters": params}
}
