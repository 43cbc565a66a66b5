package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Subscription API",
        "description": "Session credentials and billing reconciliation for subscription commerce",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Authentication", "description": "Login and refresh token rotation"},
        {"name": "Admin", "description": "Administrative session control"},
        {"name": "Webhooks", "description": "Billing provider notifications"},
        {"name": "Subscriptions", "description": "Entitlement read model"}
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "parameters": [
                    {"in": "body", "name": "payload", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "Token pair", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Rotate refresh token",
                "description": "Reads the refresh token from the cookie, the JSON body, or a Bearer header. A consumed token revokes every session of its owner.",
                "parameters": [
                    {"in": "body", "name": "payload", "required": false, "schema": {"$ref": "#/definitions/RefreshTokenRequest"}}
                ],
                "responses": {
                    "200": {"description": "New token pair", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credential", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Retry later", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/logout": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Logout current session",
                "parameters": [
                    {"in": "body", "name": "payload", "required": false, "schema": {"$ref": "#/definitions/RefreshTokenRequest"}}
                ],
                "responses": {
                    "204": {"description": "Revoked"},
                    "503": {"description": "Retry later", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/logout-all": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Logout everywhere",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "Revoked count", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/sessions": {
            "get": {
                "tags": ["Authentication"],
                "summary": "List active sessions",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"in": "query", "name": "page", "type": "integer"},
                    {"in": "query", "name": "page_size", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "Sessions", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/users/{id}/revoke-sessions": {
            "post": {
                "tags": ["Admin"],
                "summary": "Revoke every session of a user",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"in": "path", "name": "id", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Revoked count", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/webhooks/billing": {
            "post": {
                "tags": ["Webhooks"],
                "summary": "Billing provider webhook",
                "description": "Duplicate, stale, unknown and unmatched events are acknowledged with 200.",
                "parameters": [
                    {"in": "header", "name": "Billing-Signature", "required": true, "type": "string"},
                    {"in": "body", "name": "event", "required": true, "schema": {"$ref": "#/definitions/BillingEvent"}}
                ],
                "responses": {
                    "200": {"description": "Reconcile result", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Bad signature or payload", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Retry later", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/subscriptions/me": {
            "get": {
                "tags": ["Subscriptions"],
                "summary": "Current subscription",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "Subscription", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "No subscription", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "required": ["email", "password"],
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            }
        },
        "RefreshTokenRequest": {
            "type": "object",
            "properties": {
                "refresh_token": {"type": "string"}
            }
        },
        "BillingEvent": {
            "type": "object",
            "required": ["id", "type", "created", "data"],
            "properties": {
                "id": {"type": "string"},
                "type": {"type": "string"},
                "created": {"type": "integer"},
                "sequence": {"type": "integer"},
                "data": {"type": "object"}
            }
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
