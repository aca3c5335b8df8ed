package live

import (
	"encoding/json"
	"net/http"

	"github.com/gabrielmiguelok/livewizard/pkg/definition"
	"github.com/gabrielmiguelok/livewizard/pkg/forms"
)

// WizardView is the client-facing description of a wizard.
type WizardView struct {
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Steps       []StepView `json:"steps,omitempty"`
}

// StepView describes one step.
type StepView struct {
	Index  int         `json:"index"`
	Title  string      `json:"title,omitempty"`
	Fields []FieldView `json:"fields"`
}

// FieldView is a field plus whether it must be filled in.
type FieldView struct {
	forms.Field
	Required bool `json:"required"`
}

// ViewOf describes def.
func ViewOf(def *definition.Definition) WizardView {
	v := WizardView{ID: def.ID, Title: def.Title, Description: def.Description}
	for _, step := range def.Steps {
		sv := StepView{Index: step.Index, Title: step.Title}
		for _, f := range step.Fields {
			sv.Fields = append(sv.Fields, FieldView{Field: f, Required: f.Required()})
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

// CatalogHandler serves GET /api/wizards (ids and titles) and
// GET /api/wizards/{id} (full description).
func CatalogHandler(defs *definition.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/wizards", func(w http.ResponseWriter, r *http.Request) {
		list := make([]WizardView, 0, defs.Len())
		for _, id := range defs.IDs() {
			def, _ := defs.Get(id)
			list = append(list, WizardView{ID: def.ID, Title: def.Title, Description: def.Description})
		}
		writeJSON(w, http.StatusOK, list)
	})
	mux.HandleFunc("GET /api/wizards/{id}", func(w http.ResponseWriter, r *http.Request) {
		def, ok := defs.Get(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown wizard"})
			return
		}
		writeJSON(w, http.StatusOK, ViewOf(def))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
