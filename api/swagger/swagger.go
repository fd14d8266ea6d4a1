package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Rollcall API",
        "description": "Attendance session lifecycle, sign-in verification and correction workflow",
        "version": "0.1.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Authentication", "description": "Login and token refresh"},
        {"name": "Sessions", "description": "Session lifecycle and tokens"},
        {"name": "Submissions", "description": "Attendee sign-in verification"},
        {"name": "Corrections", "description": "Two-stage correction workflow"}
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Refresh access token",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Open an attendance session",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateSessionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{id}": {
            "get": {
                "tags": ["Sessions"],
                "summary": "Get a session",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{id}/rotate": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Rotate the session token",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Session closed"}
                }
            }
        },
        "/sessions/{id}/close": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Close a session",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/sessions/{id}/records": {
            "get": {
                "tags": ["Sessions"],
                "summary": "List session records",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "disposition", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{id}/summary": {
            "get": {
                "tags": ["Sessions"],
                "summary": "Summarise session dispositions",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{id}/export": {
            "get": {
                "tags": ["Sessions"],
                "summary": "Export the attendance sheet",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/sessions/{id}/remind": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Remind unsigned attendees",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/courses/{courseId}/sessions/latest": {
            "get": {
                "tags": ["Sessions"],
                "summary": "Get the latest session for a course",
                "parameters": [
                    {"name": "courseId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/submissions": {
            "post": {
                "tags": ["Submissions"],
                "summary": "Submit a sign-in attempt",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SubmitRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Duplicate or stale token"},
                    "422": {"description": "Geofence or biometric rejection"}
                }
            }
        },
        "/corrections": {
            "get": {
                "tags": ["Corrections"],
                "summary": "List correction requests",
                "parameters": [
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "session_id", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Corrections"],
                "summary": "Open a correction request",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/OpenCorrectionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/corrections/{id}": {
            "get": {
                "tags": ["Corrections"],
                "summary": "Get a correction request",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/corrections/{id}/review": {
            "post": {
                "tags": ["Corrections"],
                "summary": "Apply the reviewer decision",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Invalid transition"}
                }
            }
        },
        "/corrections/{id}/decide": {
            "post": {
                "tags": ["Corrections"],
                "summary": "Apply the instructor decision",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Invalid transition"}
                }
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            },
            "required": ["email", "password"]
        },
        "CreateSessionRequest": {
            "type": "object",
            "properties": {
                "course_id": {"type": "string"},
                "mode": {"type": "string", "enum": ["STANDARD", "HIGH_SECURITY", "RELAXED"]},
                "start_time": {"type": "string"},
                "end_time": {"type": "string"},
                "anchor_lat": {"type": "number"},
                "anchor_lng": {"type": "number"},
                "anchor_radius_m": {"type": "number"},
                "expected_count": {"type": "integer"},
                "rotation_interval_s": {"type": "integer"},
                "auto_close_grace_s": {"type": "integer"}
            },
            "required": ["course_id", "start_time", "end_time"]
        },
        "SubmitRequest": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "token": {"type": "string"},
                "lat": {"type": "number"},
                "lng": {"type": "number"},
                "biometric_verified": {"type": "boolean"}
            },
            "required": ["session_id", "token"]
        },
        "OpenCorrectionRequest": {
            "type": "object",
            "properties": {
                "record_id": {"type": "string"},
                "category": {"type": "string", "enum": ["SICK_LEAVE", "PERSONAL_LEAVE", "OFFICIAL_DUTY", "DEVICE_FAILURE", "OTHER"]},
                "justification": {"type": "string"},
                "evidence": {"type": "string"}
            },
            "required": ["record_id", "category", "justification"]
        },
        "DecisionRequest": {
            "type": "object",
            "properties": {
                "approve": {"type": "boolean"},
                "remark": {"type": "string"}
            },
            "required": ["approve"]
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
