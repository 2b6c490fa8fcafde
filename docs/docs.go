// Package docs holds the OpenAPI description served at /swagger.
// Regenerate with: swag init -g cmd/marketplace-api/main.go
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/listings": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["listings"],
                "summary": "Create listing",
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/listing.CreateListingRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/listing.View"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httpx.HTTPError"}},
                    "403": {"description": "MISSING_USERNAME or LISTING_LIMIT_REACHED", "schema": {"$ref": "#/definitions/httpx.HTTPError"}}
                }
            }
        },
        "/listings/{id}": {
            "get": {
                "tags": ["listings"],
                "summary": "Get listing with its current price",
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/listing.View"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httpx.HTTPError"}}
                }
            }
        },
        "/listings/{id}/sale": {
            "put": {
                "security": [{"BearerAuth": []}],
                "tags": ["listings"],
                "summary": "Start or end a sale",
                "parameters": [
                    {"type": "string", "in": "path", "name": "id", "required": true},
                    {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/listing.SaleRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/listing.View"}}}
            }
        },
        "/listings/{id}/status": {
            "put": {
                "security": [{"BearerAuth": []}],
                "tags": ["listings"],
                "summary": "Change listing status",
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "403": {"description": "LISTING_LIMIT_REACHED on re-activation", "schema": {"$ref": "#/definitions/httpx.HTTPError"}}
                }
            }
        },
        "/sellers/{id}/listings": {
            "get": {
                "tags": ["listings"],
                "summary": "List a seller's listings",
                "parameters": [
                    {"type": "string", "in": "path", "name": "id", "required": true},
                    {"type": "string", "in": "query", "name": "status"},
                    {"type": "integer", "in": "query", "name": "limit"},
                    {"type": "integer", "in": "query", "name": "offset"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/listing.ListResponse"}}}
            }
        },
        "/sellers/{id}/quota": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["sellers"],
                "summary": "Seller listing quota",
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/listing.QuotaResponse"}}}
            }
        },
        "/checkout/quote": {
            "post": {
                "tags": ["checkout"],
                "summary": "Quote a cart",
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/order.CheckoutRequest"}}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/checkout": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["checkout"],
                "summary": "Place an order",
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/order.CheckoutRequest"}}],
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/orders/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["orders"],
                "summary": "Get order",
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/order-items/{id}/transitions": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["orders"],
                "summary": "Move an order item to another status",
                "parameters": [
                    {"type": "string", "in": "path", "name": "id", "required": true},
                    {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/order.TransitionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "INVALID_TRANSITION or STALE_WRITE", "schema": {"$ref": "#/definitions/httpx.HTTPError"}}
                }
            }
        },
        "/order-items/{id}/release": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["orders"],
                "summary": "Release escrowed funds to the seller",
                "parameters": [{"type": "string", "in": "path", "name": "id", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "not eligible", "schema": {"$ref": "#/definitions/httpx.HTTPError"}}
                }
            }
        },
        "/webhooks/payments": {
            "post": {
                "tags": ["webhooks"],
                "summary": "Payment processor webhook",
                "parameters": [{"type": "string", "in": "header", "name": "Stripe-Signature", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httpx.HTTPError"}}
                }
            }
        }
    },
    "definitions": {
        "httpx.HTTPError": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "code": {"type": "string"}
            }
        },
        "listing.CreateListingRequest": {
            "type": "object",
            "properties": {
                "title": {"type": "string", "example": "Mechanical keyboard"},
                "price": {"type": "string", "example": "80.00"},
                "original_price": {"type": "string", "example": "100.00"},
                "stock": {"type": "integer", "example": 1},
                "draft": {"type": "boolean"}
            }
        },
        "listing.SaleRequest": {
            "type": "object",
            "properties": {
                "active": {"type": "boolean"},
                "original_price": {"type": "string", "example": "100.00"},
                "percent": {"type": "integer", "example": 20},
                "ends_at": {"type": "string", "example": "2026-12-31T23:59:59Z"}
            }
        },
        "listing.View": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "seller_id": {"type": "string"},
                "title": {"type": "string"},
                "price": {"type": "string"},
                "status": {"type": "string"},
                "pricing": {
                    "type": "object",
                    "properties": {
                        "effective_price": {"type": "string"},
                        "original_price": {"type": "string"},
                        "discount_percent": {"type": "integer"},
                        "is_on_sale": {"type": "boolean"}
                    }
                }
            }
        },
        "listing.ListResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "limit": {"type": "integer"},
                "offset": {"type": "integer"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/listing.View"}}
            }
        },
        "listing.QuotaResponse": {
            "type": "object",
            "properties": {
                "seller_id": {"type": "string"},
                "tier": {"type": "string"},
                "current_listings": {"type": "integer"},
                "max_listings": {"type": "integer"},
                "remaining": {"type": "integer"},
                "unlimited": {"type": "boolean"},
                "plan_version": {"type": "string"}
            }
        },
        "order.CheckoutRequest": {
            "type": "object",
            "properties": {
                "lines": {
                    "type": "array",
                    "items": {
                        "type": "object",
                        "properties": {
                            "listing_id": {"type": "string"},
                            "quantity": {"type": "integer"}
                        }
                    }
                },
                "shipping": {"type": "object", "additionalProperties": {"type": "string"}},
                "tax": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        },
        "order.TransitionRequest": {
            "type": "object",
            "properties": {
                "to": {"type": "string", "example": "shipped"},
                "tracking_number": {"type": "string", "example": "BG123456789"},
                "carrier": {"type": "string", "example": "speedy"},
                "outcome": {"type": "string", "example": "release"},
                "refund_amount": {"type": "string", "example": "10.00"},
                "reason": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Marketplace API",
	Description:      "Listings with plan quotas, sale pricing, checkout fees and the order item lifecycle.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
