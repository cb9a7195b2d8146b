package codegen

import (
	"bytes"
	_ "embed"
	"fmt"
	"go/format"
	"text/template"
)

//go:embed templates/handlers.go.tmpl
var handlersTemplate string

//go:embed templates/manifest.yaml.tmpl
var manifestTemplate string

//go:embed templates/README.md.tmpl
var readmeTemplate string

// TemplateData is passed to every template.
type TemplateData struct {
	Name       string // e.g. "ERC20Token"
	Package    string // e.g. "erc20token", also the plugin file name
	Network    string
	Address    string
	StartBlock uint64
	Events     []*EventSignature
}

// RenderHandlers renders the handler library source, gofmt'ed.
func RenderHandlers(data *TemplateData) (string, error) {
	src, err := renderTemplate("handlers", handlersTemplate, data)
	if err != nil {
		return "", err
	}

	formatted, err := format.Source([]byte(src))
	if err != nil {
		return "", fmt.Errorf("failed to format generated handlers: %w", err)
	}

	return string(formatted), nil
}

// RenderManifest renders the deployment manifest.
func RenderManifest(data *TemplateData) (string, error) {
	return renderTemplate("manifest", manifestTemplate, data)
}

// RenderABI renders the events ABI referenced by the manifest.
func RenderABI(data *TemplateData) (string, error) {
	out, err := EventsABI(data.Events)
	if err != nil {
		return "", fmt.Errorf("failed to encode abi: %w", err)
	}

	return string(out) + "\n", nil
}

// RenderReadme renders the README.
func RenderReadme(data *TemplateData) (string, error) {
	return renderTemplate("readme", readmeTemplate, data)
}

func renderTemplate(name, tmplStr string, data *TemplateData) (string, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs()).Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"HandlerName":  HandlerName,
		"FieldName":    FieldName,
		"JSONKind":     JSONKind,
		"ToPascalCase": ToPascalCase,
		"ToSnakeCase":  ToSnakeCase,
	}
}
