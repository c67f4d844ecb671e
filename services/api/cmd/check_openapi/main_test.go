package main

import (
	"strings"
	"testing"

	"manuscripthub/services/api/internal/server"
)

func TestShippedDocumentCoversRouter(t *testing.T) {
	doc, err := loadDoc("../../openapi.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	routes, err := server.Routes()
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	if len(routes) == 0 {
		t.Fatalf("router walk returned nothing")
	}
	if err := check(doc, routes); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestUndocumentedRoutesAreReported(t *testing.T) {
	doc, err := loadDoc("../../openapi.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	routes := []server.Route{
		{Method: "GET", Pattern: "/manuscripts/"},
		{Method: "PATCH", Pattern: "/manuscripts/{id}"},
		{Method: "POST", Pattern: "/admin/*"},
	}
	missing := undocumented(doc, routes)
	if len(missing) != 1 || missing[0] != "PATCH /manuscripts/{id}" {
		t.Fatalf("unexpected missing list %v", missing)
	}
}

func TestErrorResponseShapeIsEnforced(t *testing.T) {
	s := schema{Type: "object", Required: []string{"error", "message"}, Properties: map[string]schema{
		"error":   {Type: "string"},
		"message": {Type: "string"},
	}}
	err := validateErrorResponse(s)
	if err == nil || !strings.Contains(err.Error(), "requestId") {
		t.Fatalf("expected requestId complaint, got %v", err)
	}
}
