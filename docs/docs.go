// Package docs registers the OpenAPI document served by the Swagger UI route.
// Regenerate with `swag init -g cmd/server/main.go` after changing handler
// annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "summary": "Liveness probe",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/v1/ingest/events": {
            "post": {
                "summary": "Submit a batch of health events",
                "description": "Requires X-Device-Id, X-Timestamp, X-Nonce and X-Signature headers. Each event in the batch is stored, deduplicated, or rejected independently.",
                "responses": {
                    "200": {"description": "Per-item results"},
                    "400": {"description": "Bad request or batch too large"},
                    "401": {"description": "Authentication failed"}
                }
            }
        },
        "/v1/steps/daily/{date}": {
            "get": {
                "summary": "Hourly steps breakdown for one date",
                "responses": {"200": {"description": "24 zero-filled hour slots"}}
            }
        },
        "/v1/steps/range": {
            "get": {
                "summary": "Steps totals over a date range",
                "responses": {"200": {"description": "One entry per calendar day"}}
            }
        },
        "/v1/activity/daily/{date}": {
            "get": {
                "summary": "Hourly active-minutes breakdown for one date",
                "responses": {"200": {"description": "24 zero-filled hour slots"}}
            }
        },
        "/v1/activity/range": {
            "get": {
                "summary": "Active minutes over a date range",
                "responses": {"200": {"description": "One entry per calendar day"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Health Event Ingestion API",
	Description:      "HMAC-authenticated ingestion of device health events with hourly and daily rollup queries.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
