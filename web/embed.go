// Package web embeds the status dashboard template.
package web

import (
	"embed"
	"html/template"
)

//go:embed templates/dashboard.html
var templatesFS embed.FS

// Dashboard parses the embedded dashboard template.
func Dashboard() (*template.Template, error) {
	return template.ParseFS(templatesFS, "templates/dashboard.html")
}
