package relay

import (
	"embed"
	"html/template"
	"net/http"
	"time"
)

//go:embed ui/*.html
var pages embed.FS

type indexData struct {
	Port int
	Now  string
}

func loadIndexTemplate() (*template.Template, error) {
	return template.ParseFS(pages, "ui/index.html")
}

func renderIndex(w http.ResponseWriter, tmpl *template.Template, port int) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	return tmpl.Execute(w, indexData{
		Port: port,
		Now:  time.Now().Format("2006-01-02 15:04:05"),
	})
}
