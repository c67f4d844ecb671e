package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"manuscripthub/services/api/internal/server"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

var methods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true, "patch": true, "head": true, "options": true,
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	routes, err := server.Routes()
	if err != nil {
		exitErr(fmt.Errorf("walk routes: %w", err))
	}
	if err := check(doc, routes); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc, routes []server.Route) error {
	var errs []error
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		errs = append(errs, err)
	} else if err := validateErrorResponse(errResp); err != nil {
		errs = append(errs, err)
	}
	fieldErr, err := getSchema(doc, "FieldError")
	if err != nil {
		errs = append(errs, err)
	} else if err := validateFieldError(fieldErr); err != nil {
		errs = append(errs, err)
	}
	if missing := undocumented(doc, routes); len(missing) > 0 {
		errs = append(errs, fmt.Errorf("routes missing from the document: %s", strings.Join(missing, ", ")))
	}
	return errors.Join(errs...)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "message", "requestId"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	if prop, ok := s.Properties["retryAfter"]; !ok || prop.Type != "integer" {
		return errors.New("ErrorResponse.retryAfter must be integer")
	}
	fields, ok := s.Properties["fields"]
	if !ok || fields.Type != "array" {
		return errors.New("ErrorResponse.fields must be array")
	}
	if fields.Items == nil || strings.TrimSpace(fields.Items.Ref) != "#/components/schemas/FieldError" {
		return errors.New("ErrorResponse.fields.items must reference FieldError")
	}
	return nil
}

func validateFieldError(s schema) error {
	if s.Type != "object" {
		return errors.New("FieldError must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"field", "tag"} {
		if !required[field] {
			return fmt.Errorf("FieldError.required must include %q", field)
		}
	}
	for _, field := range []string{"field", "tag", "param"} {
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("FieldError.%s must be string", field)
		}
	}
	return nil
}

// undocumented lists "METHOD /path" for every concrete route the router
// serves that the document does not describe. Catch-all routes are skipped.
func undocumented(doc openAPIDoc, routes []server.Route) []string {
	documented := make(map[string]bool)
	for path, ops := range doc.Paths {
		for method := range ops {
			if methods[method] {
				documented[strings.ToUpper(method)+" "+path] = true
			}
		}
	}
	seen := make(map[string]bool)
	var missing []string
	for _, r := range routes {
		if strings.Contains(r.Pattern, "*") || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			continue
		}
		path := r.Pattern
		if len(path) > 1 {
			path = strings.TrimSuffix(path, "/")
		}
		key := r.Method + " " + path
		if seen[key] {
			continue
		}
		seen[key] = true
		if !documented[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

func makeSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[strings.TrimSpace(v)] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, "OpenAPI consistency check failed:", err)
	os.Exit(1)
}
