package main

import (
	"github.com/getkin/kin-openapi/openapi3"
)

const apiVersion = "1.0.0"

func schemaRef(name string, schema *openapi3.Schema) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, schema)
}

func jsonResponse(description string, schema *openapi3.SchemaRef) *openapi3.ResponseRef {
	resp := openapi3.NewResponse().WithDescription(description)
	if schema != nil {
		resp.Content = openapi3.NewContentWithJSONSchemaRef(schema)
	}
	return &openapi3.ResponseRef{Value: resp}
}

func arrayOf(item *openapi3.SchemaRef) *openapi3.SchemaRef {
	arr := openapi3.NewArraySchema()
	arr.Items = item
	return &openapi3.SchemaRef{Value: arr}
}

func runIDParam() *openapi3.ParameterRef {
	return &openapi3.ParameterRef{Value: openapi3.NewPathParameter("run_id").WithSchema(openapi3.NewStringSchema())}
}

// openAPIDocument describes the public /v1 surface served by this binary.
func openAPIDocument() *openapi3.T {
	errorSchema := openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("detail", openapi3.NewStringSchema()).
		WithProperty("request_id", openapi3.NewStringSchema())
	errorSchema.Required = []string{"error"}

	runSchema := openapi3.NewObjectSchema().
		WithProperty("run_id", openapi3.NewStringSchema()).
		WithProperty("pipeline", openapi3.NewStringSchema()).
		WithProperty("status", openapi3.NewStringSchema().WithEnum("queued", "running", "succeeded", "failed", "cancelled")).
		WithProperty("vars", openapi3.NewObjectSchema()).
		WithProperty("created_by", openapi3.NewStringSchema()).
		WithProperty("cancel_requested", openapi3.NewBoolSchema()).
		WithProperty("cancel_reason", openapi3.NewStringSchema()).
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("log_available", openapi3.NewBoolSchema()).
		WithProperty("created_at", openapi3.NewDateTimeSchema()).
		WithProperty("started_at", openapi3.NewDateTimeSchema()).
		WithProperty("finished_at", openapi3.NewDateTimeSchema())
	runSchema.Required = []string{"run_id", "pipeline", "status", "created_at"}

	jobSchema := openapi3.NewObjectSchema().
		WithProperty("execution_id", openapi3.NewStringSchema()).
		WithProperty("job_id", openapi3.NewStringSchema()).
		WithProperty("status", openapi3.NewStringSchema().WithEnum("pending", "waiting", "running", "success", "failure", "cancelled", "skipped")).
		WithProperty("message", openapi3.NewStringSchema()).
		WithProperty("logs", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())).
		WithProperty("outputs", openapi3.NewObjectSchema()).
		WithProperty("created_at", openapi3.NewDateTimeSchema()).
		WithProperty("started_at", openapi3.NewDateTimeSchema()).
		WithProperty("finished_at", openapi3.NewDateTimeSchema())
	jobSchema.Required = []string{"execution_id", "job_id", "status"}

	cancelSchema := openapi3.NewObjectSchema().WithProperty("reason", openapi3.NewStringSchema())

	errRef := schemaRef("Error", errorSchema)
	runRef := schemaRef("Run", runSchema)
	jobRef := schemaRef("JobExecution", jobSchema)
	runList := openapi3.NewObjectSchema().WithPropertyRef("runs", arrayOf(runRef))
	jobList := openapi3.NewObjectSchema().WithPropertyRef("jobs", arrayOf(jobRef))

	notFound := openapi3.WithStatus(404, jsonResponse("Run not found", errRef))

	submit := &openapi3.Operation{
		OperationID: "submitRun",
		Summary:     "Submit a pipeline document for execution",
		Parameters: openapi3.Parameters{
			{Value: openapi3.NewQueryParameter("var.{name}").
				WithDescription("Overrides spec.vars.<name> for this run").
				WithSchema(openapi3.NewStringSchema())},
		},
		RequestBody: &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
			WithRequired(true).
			WithDescription("Pipeline document (apiVersion shipyard/v1, kind Pipeline)").
			WithContent(openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{"application/yaml"}))},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(202, jsonResponse("Run queued", runRef)),
			openapi3.WithStatus(400, jsonResponse("Invalid pipeline", errRef)),
			openapi3.WithStatus(413, jsonResponse("Pipeline document too large", errRef)),
		),
	}
	list := &openapi3.Operation{
		OperationID: "listRuns",
		Summary:     "List runs, newest first",
		Parameters: openapi3.Parameters{
			{Value: openapi3.NewQueryParameter("pipeline").WithSchema(openapi3.NewStringSchema())},
			{Value: openapi3.NewQueryParameter("status").WithSchema(openapi3.NewStringSchema())},
			{Value: openapi3.NewQueryParameter("limit").WithSchema(openapi3.NewIntegerSchema().WithMin(1).WithMax(500))},
		},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Runs", &openapi3.SchemaRef{Value: runList})),
			openapi3.WithStatus(400, jsonResponse("Invalid filter", errRef)),
		),
	}
	get := &openapi3.Operation{
		OperationID: "getRun",
		Summary:     "Get one run",
		Parameters:  openapi3.Parameters{runIDParam()},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Run", runRef)),
			notFound,
		),
	}
	jobs := &openapi3.Operation{
		OperationID: "listRunJobs",
		Summary:     "List the job executions of a run",
		Parameters:  openapi3.Parameters{runIDParam()},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Job executions", &openapi3.SchemaRef{Value: jobList})),
			notFound,
		),
	}
	cancel := &openapi3.Operation{
		OperationID: "cancelRun",
		Summary:     "Request cancellation of a queued or running run",
		Parameters:  openapi3.Parameters{runIDParam()},
		RequestBody: &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
			WithContent(openapi3.NewContentWithJSONSchema(cancelSchema))},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(202, jsonResponse("Cancellation requested", runRef)),
			openapi3.WithStatus(409, jsonResponse("Run already finished", errRef)),
			notFound,
		),
	}
	logs := &openapi3.Operation{
		OperationID: "getRunLogs",
		Summary:     "Redirect to a short-lived download link for the archived run log",
		Parameters:  openapi3.Parameters{runIDParam()},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(302, &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("Presigned log URL in Location")}),
			openapi3.WithStatus(404, jsonResponse("Run or log not found", errRef)),
		),
	}

	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "Shipyard workflows API",
			Version: apiVersion,
		},
		Paths: openapi3.NewPaths(
			openapi3.WithPath("/v1/runs", &openapi3.PathItem{Get: list, Post: submit}),
			openapi3.WithPath("/v1/runs/{run_id}", &openapi3.PathItem{Get: get}),
			openapi3.WithPath("/v1/runs/{run_id}/jobs", &openapi3.PathItem{Get: jobs}),
			openapi3.WithPath("/v1/runs/{run_id}/cancel", &openapi3.PathItem{Post: cancel}),
			openapi3.WithPath("/v1/runs/{run_id}/logs", &openapi3.PathItem{Get: logs}),
		),
		Components: &openapi3.Components{
			Schemas: openapi3.Schemas{
				"Error":        &openapi3.SchemaRef{Value: errorSchema},
				"Run":          &openapi3.SchemaRef{Value: runSchema},
				"JobExecution": &openapi3.SchemaRef{Value: jobSchema},
			},
		},
	}
}
