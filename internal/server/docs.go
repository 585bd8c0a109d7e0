package server

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "schemes": {{ marshal .Schemes }},
    "produces": ["application/json"],
    "parameters": {
        "kind": {
            "name": "kind",
            "in": "path",
            "required": true,
            "type": "string",
            "enum": ["web_deploy", "apk_build"]
        },
        "id": {
            "name": "id",
            "in": "path",
            "required": true,
            "type": "string",
            "format": "uuid"
        }
    },
    "paths": {
        "/deployments/{kind}": {
            "post": {
                "summary": "Start an attempt",
                "parameters": [
                    {"$ref": "#/parameters/kind"},
                    {"name": "X-User-ID", "in": "header", "type": "string"},
                    {"name": "X-User-Email", "in": "header", "type": "string"}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/attempt"}},
                    "404": {"description": "Unknown kind", "schema": {"$ref": "#/definitions/error"}},
                    "409": {"description": "An attempt of this kind is running", "schema": {"$ref": "#/definitions/error"}},
                    "503": {"description": "Shutting down", "schema": {"$ref": "#/definitions/error"}}
                }
            },
            "get": {
                "summary": "List attempts newest first",
                "parameters": [
                    {"$ref": "#/parameters/kind"},
                    {"name": "page", "in": "query", "type": "integer", "default": 1},
                    {"name": "limit", "in": "query", "type": "integer", "default": 20, "maximum": 100}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/history"}},
                    "422": {"description": "Invalid page", "schema": {"$ref": "#/definitions/error"}}
                }
            }
        },
        "/deployments/{kind}/{id}": {
            "get": {
                "summary": "Get an attempt",
                "parameters": [{"$ref": "#/parameters/kind"}, {"$ref": "#/parameters/id"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/attempt"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/error"}}
                }
            }
        },
        "/deployments/{kind}/{id}/logs": {
            "get": {
                "summary": "Get log lines after a sequence id",
                "parameters": [
                    {"$ref": "#/parameters/kind"},
                    {"$ref": "#/parameters/id"},
                    {"name": "since", "in": "query", "type": "integer", "default": 0}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/logs"}},
                    "422": {"description": "Invalid since", "schema": {"$ref": "#/definitions/error"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/error"}}
                }
            }
        },
        "/deployments/{kind}/{id}/cancel": {
            "post": {
                "summary": "Request cancellation",
                "parameters": [{"$ref": "#/parameters/kind"}, {"$ref": "#/parameters/id"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/attempt"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/error"}},
                    "409": {"description": "Already finished", "schema": {"$ref": "#/definitions/error"}}
                }
            }
        },
        "/deployments/{kind}/{id}/artifact": {
            "get": {
                "summary": "Download the APK of a completed build",
                "produces": ["application/vnd.android.package-archive"],
                "parameters": [{"$ref": "#/parameters/kind"}, {"$ref": "#/parameters/id"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/error"}}
                }
            }
        }
    },
    "definitions": {
        "error": {
            "type": "object",
            "properties": {"error": {"type": "string"}}
        },
        "attempt": {
            "type": "object",
            "properties": {
                "id": {"type": "string", "format": "uuid"},
                "kind": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "building", "syncing", "restarting", "signing", "validating", "completed", "failed", "cancelled"]},
                "progress": {"type": "integer"},
                "initiator": {
                    "type": "object",
                    "properties": {"user_id": {"type": "string"}, "email": {"type": "string"}}
                },
                "started_at": {"type": "string", "format": "date-time"},
                "completed_at": {"type": "string", "format": "date-time"},
                "duration_seconds": {"type": "integer"},
                "error_message": {"type": "string"},
                "git_branch": {"type": "string"},
                "git_commit": {"type": "string"},
                "artifact": {
                    "type": "object",
                    "properties": {
                        "path": {"type": "string"},
                        "name": {"type": "string"},
                        "size_bytes": {"type": "integer"},
                        "version_name": {"type": "string"},
                        "version_code": {"type": "string"}
                    }
                }
            }
        },
        "logEntry": {
            "type": "object",
            "properties": {
                "sequence_id": {"type": "integer"},
                "level": {"type": "string", "enum": ["info", "warning", "error"]},
                "message": {"type": "string"},
                "created_at": {"type": "string", "format": "date-time"}
            }
        },
        "logs": {
            "type": "object",
            "properties": {
                "logs": {"type": "array", "items": {"$ref": "#/definitions/logEntry"}},
                "last_sequence_id": {"type": "integer"}
            }
        },
        "history": {
            "type": "object",
            "properties": {
                "attempts": {"type": "array", "items": {"$ref": "#/definitions/attempt"}},
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"}
            }
        }
    }
}`

// swaggerInfo is served at /swagger/doc.json.
var swaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Deployer API",
	Description:      "Starts, follows and cancels web deployments and APK builds.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(swaggerInfo.InstanceName(), swaggerInfo)
}
