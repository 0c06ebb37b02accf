// Package prompt renders the system prompt sent with every question.
package prompt

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/NERVsystems/letterchat/internal/retrieval"
)

// DefaultTemplate instructs the model to answer a case worker and wrap the
// draft reply to the citizen in letter markers.
const DefaultTemplate = `Du är en hjälpsam assistent som hjälper en kommunanställd att författa ett svar till en invånare.
Givet invånarfrågan, sammanställ relevant fakta på ett lättläst sätt, samt ge ett utkast på hur ett svar skulle kunna se ut.
Ditt svar riktas till en anställd på kommunen och ska utgöra ett stöd för den anställde att återkoppla direkt till den som ställer frågan.
Innehåller frågan både en fråga och en synpunkt eller ett klagomål, adresserar du båda utifrån din fakta.
Om du har rätt fakta för att ge ett korrekt svar, skriv det. Om inte, skriv att kommunen har tagit emot synpunkten och diariefört den men att det inte är säkert att det finns resurser att prioritera just denna fråga.
Inkludera alltid källor. Svara vänligt men kortfattat.
Svaret börjar med: 'Hej Namn,' och avslutas med: 'Med vänliga hälsningar, [Namn], [Avdelning på kommunen]'.
Svaret ska formateras i markdown och markeras inom tags <letter>[letter content in markdown]</letter>, efter closing tag lista länk till källorna som du har baserat ditt svar på.
Svaret ska aldrig hänvisa tillbaka till en specifik person, hänvisa om nödvändigt till kontaktcenter Tel: 0346-88 60 00 Mejl: kontaktcenter@falkenberg.se.
{{- if .Tools}}
Använd sökfunktionen när du behöver hitta information om kommunen.
{{- end}}
{{- if .Documents}}

Kontext från kunskapsdatabasen:
{{- range $i, $d := .Documents}}

Resultat {{inc $i}} (källa: {{or $d.Source "okänd"}}, träffsäkerhet: {{printf "%.2f" $d.Score}}):
{{$d.Text}}
{{- end}}
{{- end}}`

// Data is the input to a system prompt template.
type Data struct {
	Query     string
	Documents []retrieval.Document
	// Tools is true when the model can search the knowledge base itself.
	Tools bool
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Template is a parsed system prompt.
type Template struct {
	tmpl *template.Template
}

// Parse parses text as a system prompt template.
func Parse(name, text string) (*Template, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", name, err)
	}
	return &Template{tmpl: t}, nil
}

// Render executes the template.
func (t *Template) Render(data Data) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Default returns the built-in template.
func Default() *Template {
	t, err := Parse("default", DefaultTemplate)
	if err != nil {
		panic(err)
	}
	return t
}

// Store holds the current template and can reload it from disk.
type Store struct {
	mu   sync.RWMutex
	tmpl *Template
	path string
}

// NewStore returns a store serving the built-in template.
func NewStore() *Store {
	return &Store{tmpl: Default()}
}

// Load parses the file at path and makes it current. An empty path keeps
// the built-in template.
func (s *Store) Load(path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}
	t, err := Parse(path, string(raw))
	if err != nil {
		return err
	}
	// Catch templates that parse but cannot execute.
	if _, err := t.Render(Data{Query: "test", Documents: []retrieval.Document{{Text: "x"}}}); err != nil {
		return err
	}

	s.mu.Lock()
	s.tmpl = t
	s.path = path
	s.mu.Unlock()
	return nil
}

// Render renders the current template.
func (s *Store) Render(data Data) (string, error) {
	s.mu.RLock()
	t := s.tmpl
	s.mu.RUnlock()
	return t.Render(data)
}
